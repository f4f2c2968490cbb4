package netsync

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/blockpulse/pulsd/blockchain"
)

// Chain is the part of the chain store the syncer depends on. The store is
// shared between sessions and must be safe for concurrent access; both
// methods may block and are always called from goroutines the syncer spawns,
// never from its event handling goroutine.
type Chain interface {
	// BlockLocator returns a locator summarizing the current main chain,
	// newest block first.
	BlockLocator() (blockchain.BlockLocator, error)

	// StoreBlock submits a block for persistence and reports whether it
	// was confirmed, held as an orphan, or rejected.
	StoreBlock(block *btcutil.Block) (*blockchain.StoreResult, error)
}

// PeerSession is the connection to the remote peer being synchronized from.
// Exactly one Syncer uses a given session.
//
// The subscriptions are one-shot: each registration delivers exactly one
// event, either a message or an error, and must be renewed to keep receiving
// events. Handlers may be invoked from arbitrary goroutines.
type PeerSession interface {
	// ID returns a stable identity for this connection.
	ID() int32

	// SubscribeInventory registers a one-shot handler for the next
	// inventory announcement.
	SubscribeInventory(handler func(*wire.MsgInv, error))

	// SubscribeBlock registers a one-shot handler for the next delivered
	// block.
	SubscribeBlock(handler func(*wire.MsgBlock, error))

	// Send queues a message for transmission and reports the outcome to
	// done, which may be invoked from another goroutine.
	Send(msg wire.Message, done func(error))
}
