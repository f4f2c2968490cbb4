package netsync

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/blockpulse/pulsd/blockchain"
)

// eventBufferSize is the number of events the event channel buffers before
// posters block.
const eventBufferSize = 64

// zeroHash is the zero value hash (all zeros). A getblocks request with a
// zero stop hash asks the peer not to limit its reply.
var zeroHash chainhash.Hash

// invMsg carries an inventory announcement (or a stream error) from the peer
// into the event handler.
type invMsg struct {
	inv *wire.MsgInv
	err error
}

// blockMsg carries a delivered block (or a stream error) from the peer into
// the event handler.
type blockMsg struct {
	block *wire.MsgBlock
	err   error
}

// storeResultMsg carries the completion of an asynchronous block store
// operation into the event handler.
type storeResultMsg struct {
	hash   *chainhash.Hash
	result *blockchain.StoreResult
	err    error
}

// askBlocksMsg carries a completed locator fetch into the event handler so a
// getblocks request bounded by stopHash can be issued.
type askBlocksMsg struct {
	locator  blockchain.BlockLocator
	stopHash *chainhash.Hash
}

// Syncer synchronizes the chain store from a single peer session. Create one
// with New, drive it with Start, and tear it down with Stop when the peer
// session ends.
//
// All session state lives below and is owned exclusively by the event
// handling goroutine. Network and store completions are posted to eventChan,
// giving every state mutation for this session a single deterministic order
// without locks. The tracked values implement the two request-suppression
// rules: lastBlockHash suppresses re-requesting the most recently queued
// inventory tail, and the lastLocatorHead/lastStopHash/lastPeerID triple
// suppresses sending the same getblocks request twice in a row.
type Syncer struct {
	chain Chain
	peer  PeerSession

	started  int32
	shutdown int32

	eventChan chan interface{}
	quit      chan struct{}
	wg        sync.WaitGroup

	lastBlockHash   chainhash.Hash
	lastLocatorHead chainhash.Hash
	lastStopHash    chainhash.Hash
	lastPeerID      int32
	haveSentAsk     bool
}

// New returns a syncer that synchronizes chain from the given peer session.
func New(chain Chain, peer PeerSession) *Syncer {
	return &Syncer{
		chain:     chain,
		peer:      peer,
		eventChan: make(chan interface{}, eventBufferSize),
		quit:      make(chan struct{}),
	}
}

// Start begins the sync session: it launches the event handler, arms both
// peer subscriptions, and requests blocks beyond the current chain state.
// Calling Start more than once has no effect.
func (s *Syncer) Start() {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Tracef("Starting block sync from peer %d", s.peer.ID())
	s.wg.Add(1)
	spawn(s.eventHandler)

	s.armInventory()
	s.armBlock()
	s.fetchLocator(&zeroHash)
}

// Stop shuts down the event handler and waits for it to exit. Asynchronous
// completions that arrive afterwards are discarded.
func (s *Syncer) Stop() {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Warnf("Syncer for peer %d is already in the process of shutting down",
			s.peer.ID())
		return
	}

	log.Tracef("Stopping block sync from peer %d", s.peer.ID())
	close(s.quit)
	s.wg.Wait()
}

// post inserts an event into the serialized event queue. Events posted after
// Stop are dropped so late completions can't touch a torn-down session.
func (s *Syncer) post(event interface{}) {
	select {
	case s.eventChan <- event:
	case <-s.quit:
	}
}

// armInventory renews the one-shot inventory subscription.
func (s *Syncer) armInventory() {
	s.peer.SubscribeInventory(func(inv *wire.MsgInv, err error) {
		s.post(invMsg{inv: inv, err: err})
	})
}

// armBlock renews the one-shot block subscription.
func (s *Syncer) armBlock() {
	s.peer.SubscribeBlock(func(block *wire.MsgBlock, err error) {
		s.post(blockMsg{block: block, err: err})
	})
}

// fetchLocator retrieves a fresh block locator without blocking the event
// handler and posts the resulting getblocks request, bounded by stopHash. A
// failed fetch ends this request chain; the session stays subscribed and a
// later event starts the next one.
func (s *Syncer) fetchLocator(stopHash *chainhash.Hash) {
	spawn(func() {
		locator, err := s.chain.BlockLocator()
		if err != nil {
			log.Errorf("Failed to fetch block locator: %s", err)
			return
		}
		s.post(askBlocksMsg{locator: locator, stopHash: stopHash})
	})
}

// eventHandler is the serialized execution context of the session. It owns
// all session state and processes one event at a time until Stop.
//
// NOTE: all of the other handle* methods below must only be called from this
// goroutine.
func (s *Syncer) eventHandler() {
	defer s.wg.Done()

out:
	for {
		select {
		case event := <-s.eventChan:
			switch event := event.(type) {
			case invMsg:
				s.handleInv(event)
			case blockMsg:
				s.handleBlock(event)
			case storeResultMsg:
				s.handleStoreResult(event)
			case askBlocksMsg:
				s.handleAskBlocks(event)
			default:
				log.Warnf("Invalid event type in event handler: %T", event)
			}

		case <-s.quit:
			break out
		}
	}

	log.Tracef("Sync event handler for peer %d done", s.peer.ID())
}

// handleInv filters an inventory announcement down to block inventory and
// requests the blocks with a getdata message. The subscription is renewed no
// matter how the announcement was handled.
func (s *Syncer) handleInv(event invMsg) {
	defer s.armInventory()

	if event.err != nil {
		log.Warnf("Received bad inventory: %s", event.err)
		return
	}

	getData := wire.NewMsgGetData()
	for _, iv := range event.inv.InvList {
		if iv.Type != wire.InvTypeBlock {
			continue
		}
		// Already queued this block.
		if iv.Hash.IsEqual(&s.lastBlockHash) {
			continue
		}
		err := getData.AddInvVect(iv)
		if err != nil {
			log.Warnf("Too many block inventory vectors in one "+
				"announcement, truncating: %s", err)
			break
		}
	}
	if len(getData.InvList) == 0 {
		return
	}

	s.lastBlockHash = getData.InvList[len(getData.InvList)-1].Hash
	s.send(getData)
}

// handleBlock hands a delivered block to the chain store. The subscription is
// renewed before the store completes so the peer can keep streaming blocks
// while earlier ones are being persisted; the store outcome comes back
// through the event queue as a storeResultMsg.
func (s *Syncer) handleBlock(event blockMsg) {
	defer s.armBlock()

	if event.err != nil {
		log.Warnf("Received bad block: %s", event.err)
		return
	}

	block := btcutil.NewBlock(event.block)
	blockHash := block.Hash()
	spawn(func() {
		result, err := s.chain.StoreBlock(block)
		s.post(storeResultMsg{hash: blockHash, result: result, err: err})
	})
}

// handleStoreResult reacts to the outcome of storing one block. Orphans are
// expected during sync and drive the next getblocks round with the orphan's
// own hash as the stop hash, so the peer fills in the missing ancestry
// without going past it. Confirmed and rejected blocks need no further
// requests; the next inventory announcement drives the session forward.
func (s *Syncer) handleStoreResult(event storeResultMsg) {
	// Orphan blocks still drive the next getblocks round, so a store
	// error only ends the handling of this result for other statuses.
	if event.err != nil && (event.result == nil || event.result.Status != blockchain.StatusOrphan) {
		log.Warnf("Storing block %s: %s", event.hash, event.err)
		return
	}

	switch event.result.Status {
	case blockchain.StatusOrphan:
		log.Warnf("Orphan block %s", event.hash)
		s.fetchLocator(event.hash)

	case blockchain.StatusRejected:
		log.Warnf("Rejected block %s", event.hash)

	case blockchain.StatusConfirmed:
		log.Infof("Block #%d %s", event.result.Height, event.hash)
	}
}

// handleAskBlocks sends a getblocks request built from the locator unless an
// identical request was the last one sent to this peer. Overlapping locator
// fetch completions otherwise produce redundant requests.
func (s *Syncer) handleAskBlocks(event askBlocksMsg) {
	if len(event.locator) == 0 {
		log.Errorf("Refusing to ask for blocks with an empty locator")
		return
	}

	locatorHead := event.locator[0]
	if s.haveSentAsk && locatorHead.IsEqual(&s.lastLocatorHead) &&
		event.stopHash.IsEqual(&s.lastStopHash) && s.peer.ID() == s.lastPeerID {
		log.Debugf("Skipping duplicate ask blocks: %s", locatorHead)
		return
	}

	getBlocks := wire.NewMsgGetBlocks(event.stopHash)
	for _, hash := range event.locator {
		err := getBlocks.AddBlockLocatorHash(hash)
		if err != nil {
			log.Warnf("Block locator too long, truncating: %s", err)
			break
		}
	}
	s.send(getBlocks)

	s.lastLocatorHead = *locatorHead
	s.lastStopHash = *event.stopHash
	s.lastPeerID = s.peer.ID()
	s.haveSentAsk = true
}

// send transmits a message to the peer. Transmission is asynchronous and
// failures are logged, never retried.
func (s *Syncer) send(msg wire.Message) {
	s.peer.Send(msg, func(err error) {
		if err != nil {
			log.Errorf("Send problem: %s", err)
		}
	})
}
