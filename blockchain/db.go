package blockchain

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

var (
	// blockKeyPrefix keys store serialized blocks by hash.
	blockKeyPrefix = []byte("blk")

	// heightKeyPrefix keys index main-chain block hashes by height.
	heightKeyPrefix = []byte("hgt")

	// tipKey stores the hash and height of the current main-chain tip.
	tipKey = []byte("tip")
)

// openDB opens the leveldb database at the given path, creating it if needed.
// If the database is corrupted, an attempt is made to recover it.
func openDB(dbPath string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		log.Warnf("Chain database corruption detected for path %s: %s",
			dbPath, err)
		db, err = leveldb.RecoverFile(dbPath, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to recover chain database %s", dbPath)
		}
		log.Warnf("Chain database recovered from corruption for path %s",
			dbPath)
		return db, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open chain database %s", dbPath)
	}
	return db, nil
}

func blockKey(hash *chainhash.Hash) []byte {
	key := make([]byte, len(blockKeyPrefix)+chainhash.HashSize)
	copy(key, blockKeyPrefix)
	copy(key[len(blockKeyPrefix):], hash[:])
	return key
}

func heightKey(height int32) []byte {
	key := make([]byte, len(heightKeyPrefix)+4)
	copy(key, heightKeyPrefix)
	binary.BigEndian.PutUint32(key[len(heightKeyPrefix):], uint32(height))
	return key
}

// serializeTip encodes the tip record as the tip hash followed by its
// big-endian height.
func serializeTip(hash *chainhash.Hash, height int32) []byte {
	serialized := make([]byte, chainhash.HashSize+4)
	copy(serialized, hash[:])
	binary.BigEndian.PutUint32(serialized[chainhash.HashSize:], uint32(height))
	return serialized
}

func deserializeTip(serialized []byte) (*chainhash.Hash, int32, error) {
	if len(serialized) != chainhash.HashSize+4 {
		return nil, 0, errors.Errorf("corrupt tip record of length %d", len(serialized))
	}
	hash, err := chainhash.NewHash(serialized[:chainhash.HashSize])
	if err != nil {
		return nil, 0, err
	}
	height := int32(binary.BigEndian.Uint32(serialized[chainhash.HashSize:]))
	return hash, height, nil
}
