package kvdb

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/wallet/internal/db"
	"github.com/btcsuite/idxwallet/waddrmgr"
)

var (
	// namespaceKey is the top-level bucket holding every wallet bucket.
	namespaceKey = []byte("idxwallet")

	// metaBucket holds singleton records.
	metaBucket = []byte("meta")

	// acctBucket maps an account key to its properties.
	acctBucket = []byte("acct")

	// addrBucket maps the hash of an output script to its address record.
	addrBucket = []byte("addr")

	// addrAcctBucket indexes address records by account, branch and index.
	addrAcctBucket = []byte("addr-acct")

	// utxoBucket maps an outpoint to its output record.
	utxoBucket = []byte("utxo")

	// utxoAcctBucket indexes outputs by account.
	utxoAcctBucket = []byte("utxo-acct")

	// utxoHeightBucket indexes outputs by height.
	utxoHeightBucket = []byte("utxo-height")

	// txBucket maps a txid to its transaction record.
	txBucket = []byte("tx")

	// txHeightBucket indexes transactions by height.
	txHeightBucket = []byte("tx-height")

	// pendingBucket maps a txid to a locally built transaction.
	pendingBucket = []byte("pending")

	// lockBucket maps a lock id to its reservation.
	lockBucket = []byte("lock")

	// cursorBucket maps an account key to its sync cursor.
	cursorBucket = []byte("cursor")

	// hdrBucket maps a big endian height to the reconciled block hash.
	hdrBucket = []byte("hdr")

	// allBuckets lists every nested bucket created on init.
	allBuckets = [][]byte{
		metaBucket, acctBucket, addrBucket, addrAcctBucket, utxoBucket,
		utxoAcctBucket, utxoHeightBucket, txBucket, txHeightBucket,
		pendingBucket, lockBucket, cursorBucket, hdrBucket,
	}

	// walletKey is the key of the wallet record in the meta bucket.
	walletKey = []byte("wallet")

	// tipKey is the key of the chain tip in the meta bucket.
	tipKey = []byte("tip")
)

// heightKey serializes a height big endian so keys sort numerically.
func heightKey(height uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], height)

	return b[:]
}

// scriptKey returns the addr bucket key of an output script.
func scriptKey(script []byte) []byte {
	return chainhash.HashB(script)
}

// addrAcctKey returns the addr-acct index key of a derivation path.
func addrAcctKey(p waddrmgr.KeyPath) []byte {
	b := make([]byte, 0, 20)
	b = append(b, db.AccountKey(p.AccountID())...)
	b = binary.BigEndian.AppendUint32(b, p.Branch)
	b = binary.BigEndian.AppendUint32(b, p.Index)

	return b
}

// utxoAcctKey returns the utxo-acct index key of an output.
func utxoAcctKey(id waddrmgr.AccountID, op wire.OutPoint) []byte {
	return append(db.AccountKey(id), db.OutPointKey(op)...)
}

// utxoHeightKey returns the utxo-height index key of an output.
func utxoHeightKey(height uint32, op wire.OutPoint) []byte {
	return append(heightKey(height), db.OutPointKey(op)...)
}

// txHeightKey returns the tx-height index key of a transaction.
func txHeightKey(height uint32, hash chainhash.Hash) []byte {
	return append(heightKey(height), hash[:]...)
}

// describeKey renders a bucket and key for error messages.
func describeKey(bucket, key []byte) string {
	return string(bucket) + "/" + hex.EncodeToString(key)
}

// copyBytes returns a copy of a slice owned by the database.
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	c := make([]byte, len(b))
	copy(c, b)

	return c
}
