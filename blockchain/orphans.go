package blockchain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
)

const (
	// maxOrphanBlocks is the maximum number of orphan blocks that can be
	// queued.
	maxOrphanBlocks = 100

	// orphanExpiration is how long an orphan block is held onto before it
	// is evicted from the pool.
	orphanExpiration = time.Hour
)

// orphanBlock represents a block whose parent is not yet known. It is a
// normal block plus an expiration time to prevent caching the orphan forever.
type orphanBlock struct {
	block      *btcutil.Block
	expiration time.Time
}

// orphanPool holds blocks that arrived before their parent, indexed both by
// their own hash and by the hash of the missing parent.
//
// The pool is not safe for concurrent access on its own. All methods must be
// called with the chain lock held.
type orphanPool struct {
	orphans     map[chainhash.Hash]*orphanBlock
	prevOrphans map[chainhash.Hash][]*orphanBlock
	oldestEntry *orphanBlock
}

func newOrphanPool() *orphanPool {
	return &orphanPool{
		orphans:     make(map[chainhash.Hash]*orphanBlock),
		prevOrphans: make(map[chainhash.Hash][]*orphanBlock),
	}
}

// isKnown returns whether the passed hash is currently held in the pool. Only
// a limited number of orphans are held onto for a limited amount of time, so
// this must not be used as an absolute test for having seen a block.
func (pool *orphanPool) isKnown(hash *chainhash.Hash) bool {
	_, exists := pool.orphans[*hash]
	return exists
}

// add places the passed block in the orphan pool, expiring old orphans and
// evicting the oldest entry when the pool would otherwise exceed its limit.
func (pool *orphanPool) add(block *btcutil.Block) {
	// Remove expired orphan blocks.
	now := time.Now()
	pool.oldestEntry = nil
	for _, orphan := range pool.orphans {
		if now.After(orphan.expiration) {
			pool.remove(orphan)
			continue
		}
		if pool.oldestEntry == nil || orphan.expiration.Before(pool.oldestEntry.expiration) {
			pool.oldestEntry = orphan
		}
	}

	// Limit orphan blocks to prevent memory exhaustion.
	if len(pool.orphans)+1 > maxOrphanBlocks && pool.oldestEntry != nil {
		log.Debugf("Evicting orphan block %s to make room for %s",
			pool.oldestEntry.block.Hash(), block.Hash())
		pool.remove(pool.oldestEntry)
	}

	orphan := &orphanBlock{
		block:      block,
		expiration: now.Add(orphanExpiration),
	}
	pool.orphans[*block.Hash()] = orphan

	prevHash := block.MsgBlock().Header.PrevBlock
	pool.prevOrphans[prevHash] = append(pool.prevOrphans[prevHash], orphan)
}

// remove deletes the passed orphan from the pool and from the previous-hash
// index.
func (pool *orphanPool) remove(orphan *orphanBlock) {
	delete(pool.orphans, *orphan.block.Hash())

	prevHash := orphan.block.MsgBlock().Header.PrevBlock
	orphans := pool.prevOrphans[prevHash]
	for i := 0; i < len(orphans); i++ {
		if orphans[i] == orphan {
			orphans = append(orphans[:i], orphans[i+1:]...)
			i--
		}
	}
	pool.prevOrphans[prevHash] = orphans

	if len(pool.prevOrphans[prevHash]) == 0 {
		delete(pool.prevOrphans, prevHash)
	}
}

// take removes and returns all orphans whose missing parent is the passed
// hash.
func (pool *orphanPool) take(prevHash *chainhash.Hash) []*btcutil.Block {
	orphans := pool.prevOrphans[*prevHash]
	blocks := make([]*btcutil.Block, 0, len(orphans))
	for len(pool.prevOrphans[*prevHash]) > 0 {
		orphan := pool.prevOrphans[*prevHash][0]
		pool.remove(orphan)
		blocks = append(blocks, orphan.block)
	}
	return blocks
}
