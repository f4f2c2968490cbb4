package blockchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockLocator is used to help locate a specific block. The algorithm for
// building the block locator is to add the hashes in reverse order until
// the genesis block is reached. In order to keep the list of locator hashes
// to a reasonable number of entries, first the most recent 10 block hashes
// are added, then the step is doubled each loop iteration to exponentially
// decrease the number of hashes as a function of the distance from the block
// being located.
//
// For example, assume a block chain as depicted below:
// 	genesis -> 1 -> 2 -> ... -> 15 -> 16  -> 17  -> 18
//
// The block locator for block 18 would be the hashes of blocks:
// [18 17 16 15 14 13 12 11 10 9 8 6 2 genesis]
type BlockLocator []*chainhash.Hash

// BlockLocator returns a block locator for the current tip of the main chain.
//
// This function is safe for concurrent access.
func (c *Chain) BlockLocator() (BlockLocator, error) {
	c.chainLock.RLock()
	defer c.chainLock.RUnlock()

	locator := make(BlockLocator, 0, 16)
	step := int32(1)
	for height := c.tipHeight; height > 0; height -= step {
		hash, err := c.blockHashByHeight(height)
		if err != nil {
			return nil, err
		}
		locator = append(locator, hash)

		// Once 11 entries have been included, start doubling the
		// distance between included hashes.
		if len(locator) > 10 {
			step *= 2
		}
	}

	// The genesis block is always the final entry.
	locator = append(locator, c.params.GenesisHash)
	return locator, nil
}
