package blockchain

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// StoreStatus describes the outcome of submitting a block to the chain store.
type StoreStatus byte

const (
	// StatusConfirmed indicates the block extended the main chain.
	StatusConfirmed StoreStatus = iota

	// StatusOrphan indicates the block's parent is not yet known and the
	// block was placed in the orphan pool.
	StatusOrphan

	// StatusRejected indicates the block was not accepted, e.g. because it
	// is a duplicate or builds on a non-tip block.
	StatusRejected
)

// String returns the StoreStatus as a human-readable string.
func (status StoreStatus) String() string {
	switch status {
	case StatusConfirmed:
		return "confirmed"
	case StatusOrphan:
		return "orphan"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// StoreResult is the outcome of persisting one block. Height is only
// meaningful when Status is StatusConfirmed.
type StoreResult struct {
	Status StoreStatus
	Height int32
}

// Chain is a leveldb-backed block chain store. It tracks a single best chain
// that only grows by extending the current tip; blocks that build on a known
// non-tip block are rejected rather than reorganized, and blocks with unknown
// parents are held in a bounded orphan pool.
//
// All exported methods are safe for concurrent access and may be called from
// multiple sync sessions at once.
type Chain struct {
	params *chaincfg.Params
	db     *leveldb.DB

	chainLock sync.RWMutex
	tipHash   chainhash.Hash
	tipHeight int32
	orphans   *orphanPool
}

// New opens the chain store at dbPath for the given network, creating and
// storing the network's genesis block on first use.
func New(dbPath string, params *chaincfg.Params) (*Chain, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		params:  params,
		db:      db,
		orphans: newOrphanPool(),
	}

	err = c.initChainState()
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// initChainState loads the tip record, storing the genesis block when the
// database is fresh.
func (c *Chain) initChainState() error {
	serialized, err := c.db.Get(tipKey, nil)
	if err == nil {
		tipHash, tipHeight, err := deserializeTip(serialized)
		if err != nil {
			return err
		}
		c.tipHash = *tipHash
		c.tipHeight = tipHeight
		log.Infof("Chain state loaded (tip %s, height %d)", tipHash, tipHeight)
		return nil
	}
	if err != leveldb.ErrNotFound {
		return errors.Wrap(err, "failed to load chain state")
	}

	genesis := btcutil.NewBlock(c.params.GenesisBlock)
	err = c.connectBlock(genesis, 0)
	if err != nil {
		return errors.Wrap(err, "failed to store genesis block")
	}
	log.Infof("Chain state initialized (genesis %s)", c.params.GenesisHash)
	return nil
}

// Close closes the underlying database.
func (c *Chain) Close() error {
	return c.db.Close()
}

// Tip returns the hash and height of the current main-chain tip.
func (c *Chain) Tip() (*chainhash.Hash, int32) {
	c.chainLock.RLock()
	defer c.chainLock.RUnlock()

	tipHash := c.tipHash
	return &tipHash, c.tipHeight
}

// HaveBlock returns whether the block with the given hash is stored in the
// main chain.
func (c *Chain) HaveBlock(hash *chainhash.Hash) (bool, error) {
	c.chainLock.RLock()
	defer c.chainLock.RUnlock()

	return c.hasBlock(hash)
}

func (c *Chain) hasBlock(hash *chainhash.Hash) (bool, error) {
	exists, err := c.db.Has(blockKey(hash), nil)
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up block %s", hash)
	}
	return exists, nil
}

// StoreBlock submits the passed block for persistence and reports how it was
// handled:
//
//   - A block extending the current tip is connected and confirmed. Any
//     orphans waiting on it are adopted as well.
//   - A block whose parent is unknown goes to the orphan pool.
//   - A duplicate, or a block building on a known non-tip block, is rejected.
//     Chain reorganization is deliberately not performed here.
func (c *Chain) StoreBlock(block *btcutil.Block) (*StoreResult, error) {
	c.chainLock.Lock()
	defer c.chainLock.Unlock()

	blockHash := block.Hash()
	if c.orphans.isKnown(blockHash) {
		log.Debugf("Already have orphan block %s", blockHash)
		return &StoreResult{Status: StatusRejected}, nil
	}
	exists, err := c.hasBlock(blockHash)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Debugf("Already have block %s", blockHash)
		return &StoreResult{Status: StatusRejected}, nil
	}

	prevHash := block.MsgBlock().Header.PrevBlock
	if prevHash == c.tipHash {
		height := c.tipHeight + 1
		err := c.connectBlock(block, height)
		if err != nil {
			return nil, err
		}

		// The new tip may be the missing parent of previously stored
		// orphans.
		err = c.adoptOrphans(blockHash)
		if err != nil {
			return nil, err
		}
		return &StoreResult{Status: StatusConfirmed, Height: height}, nil
	}

	havePrev, err := c.hasBlock(&prevHash)
	if err != nil {
		return nil, err
	}
	if havePrev {
		// The parent is known but is not the tip. Accepting the block
		// would require a reorganization, which this store does not
		// perform.
		log.Debugf("Block %s builds on non-tip block %s", blockHash, prevHash)
		return &StoreResult{Status: StatusRejected}, nil
	}

	c.orphans.add(block)
	return &StoreResult{Status: StatusOrphan}, nil
}

// adoptOrphans connects any orphans that became connectable when the block
// with the given hash joined the main chain. This is done iteratively so a
// whole chain of orphans is adopted at once.
func (c *Chain) adoptOrphans(parentHash *chainhash.Hash) error {
	processHashes := []*chainhash.Hash{parentHash}
	for len(processHashes) > 0 {
		parent := processHashes[0]
		processHashes = processHashes[1:]

		for _, block := range c.orphans.take(parent) {
			// Only a single orphan can extend the tip; competing
			// siblings are dropped.
			if block.MsgBlock().Header.PrevBlock != c.tipHash {
				log.Warnf("Discarding orphan block %s competing "+
					"for height %d", block.Hash(), c.tipHeight)
				continue
			}

			height := c.tipHeight + 1
			err := c.connectBlock(block, height)
			if err != nil {
				return err
			}
			log.Infof("Adopted orphan block %s at height %d",
				block.Hash(), height)
			processHashes = append(processHashes, block.Hash())
		}
	}
	return nil
}

// connectBlock writes the block, its height index entry, and the new tip
// record in a single batch, then updates the in-memory tip.
func (c *Chain) connectBlock(block *btcutil.Block, height int32) error {
	blockBytes, err := block.Bytes()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize block %s", block.Hash())
	}

	blockHash := block.Hash()
	batch := new(leveldb.Batch)
	batch.Put(blockKey(blockHash), blockBytes)
	batch.Put(heightKey(height), blockHash[:])
	batch.Put(tipKey, serializeTip(blockHash, height))
	err = c.db.Write(batch, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to write block %s", blockHash)
	}

	block.SetHeight(height)
	c.tipHash = *blockHash
	c.tipHeight = height
	return nil
}

// blockHashByHeight returns the hash of the main-chain block at the given
// height.
func (c *Chain) blockHashByHeight(height int32) (*chainhash.Hash, error) {
	serialized, err := c.db.Get(heightKey(height), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up block at height %d", height)
	}
	return chainhash.NewHash(serialized)
}
