// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Every record is stored as a one byte schema version followed by a TLV
// stream. Readers accept every version from 1 up to the current one and run
// the upgrade table for older versions; anything else is corrupt.

var (
	// ErrUnknownVersion is returned when a record carries a schema version
	// this build does not know.
	ErrUnknownVersion = errors.New("unknown record version")

	// ErrEmptyRecord is returned when a stored value has no version byte.
	ErrEmptyRecord = errors.New("empty record")
)

const (
	walletRecordVersion  uint8 = 1
	tipRecordVersion     uint8 = 1
	accountRecordVersion uint8 = 1
	addressRecordVersion uint8 = 1
	txRecordVersion      uint8 = 1
	pendingRecordVersion uint8 = 1
	lockRecordVersion    uint8 = 1
	cursorRecordVersion  uint8 = 1

	// utxoRecordVersion is 2: version 1 did not store the address type,
	// which is recovered from the key scope on read.
	utxoRecordVersion uint8 = 2
)

const (
	// outPointSize is the serialized size of an outpoint.
	outPointSize = chainhash.HashSize + 4

	// keyPathSize is the serialized size of a derivation path.
	keyPathSize = 5 * 4

	// accountIDSize is the serialized size of an account id.
	accountIDSize = 3 * 4
)

// encodeRecord serializes a versioned TLV record.
func encodeRecord(version uint8, records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteByte(version)
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeRecord checks the version byte against the supported range and
// decodes the TLV stream into records. It returns the stored version and the
// set of types present.
func decodeRecord(data []byte, current uint8,
	records ...tlv.Record) (uint8, tlv.TypeMap, error) {

	if len(data) == 0 {
		return 0, nil, ErrEmptyRecord
	}

	version := data[0]
	if version == 0 || version > current {
		return 0, nil, fmt.Errorf("%w: %d (current %d)",
			ErrUnknownVersion, version, current)
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return 0, nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(data[1:]))
	if err != nil {
		return 0, nil, err
	}

	return version, parsed, nil
}

// requireTypes returns an error if any of the given types is absent.
func requireTypes(parsed tlv.TypeMap, types ...tlv.Type) error {
	for _, typ := range types {
		if _, ok := parsed[typ]; !ok {
			return fmt.Errorf("missing required field %d", typ)
		}
	}

	return nil
}

// ============================================================================
// Field helpers
// ============================================================================

func encodeOutPoints(ops []wire.OutPoint) []byte {
	b := make([]byte, 0, len(ops)*outPointSize)
	for _, op := range ops {
		b = append(b, OutPointKey(op)...)
	}

	return b
}

func decodeOutPoints(b []byte) ([]wire.OutPoint, error) {
	if len(b)%outPointSize != 0 {
		return nil, fmt.Errorf("outpoint list has invalid length %d",
			len(b))
	}

	ops := make([]wire.OutPoint, 0, len(b)/outPointSize)
	for i := 0; i < len(b); i += outPointSize {
		op, err := ParseOutPointKey(b[i : i+outPointSize])
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// OutPointKey serializes an outpoint as txid followed by the big endian
// index so keys of the same transaction sort together.
func OutPointKey(op wire.OutPoint) []byte {
	b := make([]byte, outPointSize)
	copy(b, op.Hash[:])
	binary.BigEndian.PutUint32(b[chainhash.HashSize:], op.Index)

	return b
}

// ParseOutPointKey is the inverse of OutPointKey.
func ParseOutPointKey(b []byte) (wire.OutPoint, error) {
	if len(b) != outPointSize {
		return wire.OutPoint{}, fmt.Errorf("outpoint has invalid "+
			"length %d", len(b))
	}

	var op wire.OutPoint
	copy(op.Hash[:], b[:chainhash.HashSize])
	op.Index = binary.BigEndian.Uint32(b[chainhash.HashSize:])

	return op, nil
}

// AccountKey serializes an account id as purpose, coin and account, big
// endian, so accounts sort by scope first.
func AccountKey(id waddrmgr.AccountID) []byte {
	b := make([]byte, accountIDSize)
	binary.BigEndian.PutUint32(b[0:], id.Scope.Purpose)
	binary.BigEndian.PutUint32(b[4:], id.Scope.Coin)
	binary.BigEndian.PutUint32(b[8:], id.Account)

	return b
}

// ParseAccountKey is the inverse of AccountKey.
func ParseAccountKey(b []byte) (waddrmgr.AccountID, error) {
	if len(b) != accountIDSize {
		return waddrmgr.AccountID{}, fmt.Errorf("account key has "+
			"invalid length %d", len(b))
	}

	return waddrmgr.AccountID{
		Scope: waddrmgr.KeyScope{
			Purpose: binary.BigEndian.Uint32(b[0:]),
			Coin:    binary.BigEndian.Uint32(b[4:]),
		},
		Account: binary.BigEndian.Uint32(b[8:]),
	}, nil
}

func encodeKeyPath(p waddrmgr.KeyPath) []byte {
	b := make([]byte, keyPathSize)
	copy(b, AccountKey(p.AccountID()))
	binary.BigEndian.PutUint32(b[12:], p.Branch)
	binary.BigEndian.PutUint32(b[16:], p.Index)

	return b
}

func decodeKeyPath(b []byte) (waddrmgr.KeyPath, error) {
	if len(b) != keyPathSize {
		return waddrmgr.KeyPath{}, fmt.Errorf("key path has invalid "+
			"length %d", len(b))
	}

	id, err := ParseAccountKey(b[:accountIDSize])
	if err != nil {
		return waddrmgr.KeyPath{}, err
	}

	return waddrmgr.KeyPath{
		Scope:   id.Scope,
		Account: id.Account,
		Branch:  binary.BigEndian.Uint32(b[12:]),
		Index:   binary.BigEndian.Uint32(b[16:]),
	}, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}

// ============================================================================
// WalletRecord
// ============================================================================

const (
	walletNetType         tlv.Type = 1
	walletSeedType        tlv.Type = 3
	walletFingerprintType tlv.Type = 5
	walletBirthdayType    tlv.Type = 7
	walletCreatedType     tlv.Type = 9
)

// EncodeWalletRecord serializes the wallet record.
func EncodeWalletRecord(w *WalletRecord) ([]byte, error) {
	var (
		net     = []byte(w.Net)
		seed    = w.EncryptedSeed
		fp      = w.MasterFingerprint
		bday    = w.BirthdayHeight
		created = timeToUint64(w.CreatedAt)
	)

	return encodeRecord(
		walletRecordVersion,
		tlv.MakePrimitiveRecord(walletNetType, &net),
		tlv.MakePrimitiveRecord(walletSeedType, &seed),
		tlv.MakePrimitiveRecord(walletFingerprintType, &fp),
		tlv.MakePrimitiveRecord(walletBirthdayType, &bday),
		tlv.MakePrimitiveRecord(walletCreatedType, &created),
	)
}

// DecodeWalletRecord deserializes the wallet record.
func DecodeWalletRecord(data []byte) (*WalletRecord, error) {
	var (
		net, seed []byte
		fp, bday  uint32
		created   uint64
	)

	_, parsed, err := decodeRecord(
		data, walletRecordVersion,
		tlv.MakePrimitiveRecord(walletNetType, &net),
		tlv.MakePrimitiveRecord(walletSeedType, &seed),
		tlv.MakePrimitiveRecord(walletFingerprintType, &fp),
		tlv.MakePrimitiveRecord(walletBirthdayType, &bday),
		tlv.MakePrimitiveRecord(walletCreatedType, &created),
	)
	if err != nil {
		return nil, err
	}

	if err := requireTypes(parsed, walletNetType); err != nil {
		return nil, err
	}

	createdAt, err := uint64ToTime(created)
	if err != nil {
		return nil, err
	}

	return &WalletRecord{
		Net:               string(net),
		EncryptedSeed:     seed,
		MasterFingerprint: fp,
		BirthdayHeight:    bday,
		CreatedAt:         createdAt,
	}, nil
}

// ============================================================================
// BlockStamp
// ============================================================================

const (
	stampHeightType tlv.Type = 1
	stampHashType   tlv.Type = 3
)

// EncodeBlockStamp serializes a block stamp.
func EncodeBlockStamp(b *BlockStamp) ([]byte, error) {
	var (
		height = b.Height
		hash   = [32]byte(b.Hash)
	)

	return encodeRecord(
		tipRecordVersion,
		tlv.MakePrimitiveRecord(stampHeightType, &height),
		tlv.MakePrimitiveRecord(stampHashType, &hash),
	)
}

// DecodeBlockStamp deserializes a block stamp.
func DecodeBlockStamp(data []byte) (*BlockStamp, error) {
	var (
		height uint32
		hash   [32]byte
	)

	_, parsed, err := decodeRecord(
		data, tipRecordVersion,
		tlv.MakePrimitiveRecord(stampHeightType, &height),
		tlv.MakePrimitiveRecord(stampHashType, &hash),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(parsed, stampHeightType, stampHashType)
	if err != nil {
		return nil, err
	}

	return &BlockStamp{Height: height, Hash: chainhash.Hash(hash)}, nil
}

// ============================================================================
// Account
// ============================================================================

const (
	accountIDType          tlv.Type = 1
	accountNameType        tlv.Type = 3
	accountAddrType        tlv.Type = 5
	accountXPubType        tlv.Type = 7
	accountFingerprintType tlv.Type = 9
	accountWatchOnlyType   tlv.Type = 11
	accountNextExtType     tlv.Type = 13
	accountNextIntType     tlv.Type = 15
)

// EncodeAccount serializes account properties.
func EncodeAccount(p *waddrmgr.AccountProperties) ([]byte, error) {
	var (
		id        = AccountKey(p.ID)
		name      = []byte(p.Name)
		addrType  = uint8(p.AddrType)
		xpub      = []byte(p.AccountXPub)
		fp        = p.MasterFingerprint
		watchOnly = boolToUint8(p.WatchOnly)
		nextExt   = p.NextExternalIndex
		nextInt   = p.NextInternalIndex
	)

	return encodeRecord(
		accountRecordVersion,
		tlv.MakePrimitiveRecord(accountIDType, &id),
		tlv.MakePrimitiveRecord(accountNameType, &name),
		tlv.MakePrimitiveRecord(accountAddrType, &addrType),
		tlv.MakePrimitiveRecord(accountXPubType, &xpub),
		tlv.MakePrimitiveRecord(accountFingerprintType, &fp),
		tlv.MakePrimitiveRecord(accountWatchOnlyType, &watchOnly),
		tlv.MakePrimitiveRecord(accountNextExtType, &nextExt),
		tlv.MakePrimitiveRecord(accountNextIntType, &nextInt),
	)
}

// DecodeAccount deserializes account properties.
func DecodeAccount(data []byte) (*waddrmgr.AccountProperties, error) {
	var (
		id, name, xpub   []byte
		addrType         uint8
		fp               uint32
		watchOnly        uint8
		nextExt, nextInt uint32
	)

	_, parsed, err := decodeRecord(
		data, accountRecordVersion,
		tlv.MakePrimitiveRecord(accountIDType, &id),
		tlv.MakePrimitiveRecord(accountNameType, &name),
		tlv.MakePrimitiveRecord(accountAddrType, &addrType),
		tlv.MakePrimitiveRecord(accountXPubType, &xpub),
		tlv.MakePrimitiveRecord(accountFingerprintType, &fp),
		tlv.MakePrimitiveRecord(accountWatchOnlyType, &watchOnly),
		tlv.MakePrimitiveRecord(accountNextExtType, &nextExt),
		tlv.MakePrimitiveRecord(accountNextIntType, &nextInt),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(
		parsed, accountIDType, accountAddrType, accountXPubType,
	)
	if err != nil {
		return nil, err
	}

	acctID, err := ParseAccountKey(id)
	if err != nil {
		return nil, err
	}

	return &waddrmgr.AccountProperties{
		ID:                acctID,
		Name:              string(name),
		AddrType:          waddrmgr.AddressType(addrType),
		AccountXPub:       string(xpub),
		MasterFingerprint: fp,
		WatchOnly:         watchOnly != 0,
		NextExternalIndex: nextExt,
		NextInternalIndex: nextInt,
	}, nil
}

// ============================================================================
// AddressRecord
// ============================================================================

const (
	addrPathType      tlv.Type = 1
	addrTypeType      tlv.Type = 3
	addrPubKeyType    tlv.Type = 5
	addrScriptType    tlv.Type = 7
	addrIssuedType    tlv.Type = 9
	addrFirstSeenType tlv.Type = 11
)

// EncodeAddress serializes an address record.
func EncodeAddress(a *AddressRecord) ([]byte, error) {
	var (
		path      = encodeKeyPath(a.Path)
		addrType  = uint8(a.AddrType)
		pubKey    = a.PubKey
		script    = a.Script
		issued    = boolToUint8(a.Issued)
		firstSeen = a.FirstSeenHeight
	)

	return encodeRecord(
		addressRecordVersion,
		tlv.MakePrimitiveRecord(addrPathType, &path),
		tlv.MakePrimitiveRecord(addrTypeType, &addrType),
		tlv.MakePrimitiveRecord(addrPubKeyType, &pubKey),
		tlv.MakePrimitiveRecord(addrScriptType, &script),
		tlv.MakePrimitiveRecord(addrIssuedType, &issued),
		tlv.MakePrimitiveRecord(addrFirstSeenType, &firstSeen),
	)
}

// DecodeAddress deserializes an address record.
func DecodeAddress(data []byte) (*AddressRecord, error) {
	var (
		path, script []byte
		addrType     uint8
		pubKey       [33]byte
		issued       uint8
		firstSeen    uint32
	)

	_, parsed, err := decodeRecord(
		data, addressRecordVersion,
		tlv.MakePrimitiveRecord(addrPathType, &path),
		tlv.MakePrimitiveRecord(addrTypeType, &addrType),
		tlv.MakePrimitiveRecord(addrPubKeyType, &pubKey),
		tlv.MakePrimitiveRecord(addrScriptType, &script),
		tlv.MakePrimitiveRecord(addrIssuedType, &issued),
		tlv.MakePrimitiveRecord(addrFirstSeenType, &firstSeen),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(
		parsed, addrPathType, addrTypeType, addrPubKeyType,
		addrScriptType,
	)
	if err != nil {
		return nil, err
	}

	keyPath, err := decodeKeyPath(path)
	if err != nil {
		return nil, err
	}

	return &AddressRecord{
		Path:            keyPath,
		AddrType:        waddrmgr.AddressType(addrType),
		PubKey:          pubKey,
		Script:          script,
		Issued:          issued != 0,
		FirstSeenHeight: firstSeen,
	}, nil
}

// ============================================================================
// Utxo
// ============================================================================

const (
	utxoOutPointType  tlv.Type = 1
	utxoValueType     tlv.Type = 3
	utxoScriptType    tlv.Type = 5
	utxoPathType      tlv.Type = 7
	utxoHeightType    tlv.Type = 9
	utxoBlockHashType tlv.Type = 11
	utxoFirstSeenType tlv.Type = 13
	utxoAddrTypeType  tlv.Type = 15
	utxoSpentByType   tlv.Type = 17
	utxoReservedType  tlv.Type = 19
)

// utxoUpgrades maps an old utxo record version to the fix-up that brings a
// decoded record to the current version.
var utxoUpgrades = map[uint8]func(*Utxo) error{
	1: func(u *Utxo) error {
		addrType, err := waddrmgr.AddressTypeForScope(u.Path.Scope)
		if err != nil {
			return err
		}
		u.AddrType = addrType

		return nil
	},
}

// EncodeUtxo serializes an output.
func EncodeUtxo(u *Utxo) ([]byte, error) {
	value, err := amountToUint64(u.Value)
	if err != nil {
		return nil, err
	}

	var (
		outPoint  = OutPointKey(u.OutPoint)
		script    = u.PkScript
		path      = encodeKeyPath(u.Path)
		height    = u.Height
		blockHash = [32]byte(u.BlockHash)
		firstSeen = timeToUint64(u.FirstSeen)
		addrType  = uint8(u.AddrType)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(utxoOutPointType, &outPoint),
		tlv.MakePrimitiveRecord(utxoValueType, &value),
		tlv.MakePrimitiveRecord(utxoScriptType, &script),
		tlv.MakePrimitiveRecord(utxoPathType, &path),
		tlv.MakePrimitiveRecord(utxoHeightType, &height),
		tlv.MakePrimitiveRecord(utxoBlockHashType, &blockHash),
		tlv.MakePrimitiveRecord(utxoFirstSeenType, &firstSeen),
		tlv.MakePrimitiveRecord(utxoAddrTypeType, &addrType),
	}

	u.SpentBy.WhenSome(func(h chainhash.Hash) {
		spentBy := [32]byte(h)
		records = append(records, tlv.MakePrimitiveRecord(
			utxoSpentByType, &spentBy,
		))
	})

	u.ReservedBy.WhenSome(func(id LockID) {
		lockID := [32]byte(id)
		records = append(records, tlv.MakePrimitiveRecord(
			utxoReservedType, &lockID,
		))
	})

	return encodeRecord(utxoRecordVersion, records...)
}

// DecodeUtxo deserializes an output, upgrading older versions.
func DecodeUtxo(data []byte) (*Utxo, error) {
	var (
		outPoint, script, path []byte
		value, firstSeen       uint64
		height                 uint32
		blockHash              [32]byte
		addrType               uint8
		spentBy, lockID        [32]byte
	)

	version, parsed, err := decodeRecord(
		data, utxoRecordVersion,
		tlv.MakePrimitiveRecord(utxoOutPointType, &outPoint),
		tlv.MakePrimitiveRecord(utxoValueType, &value),
		tlv.MakePrimitiveRecord(utxoScriptType, &script),
		tlv.MakePrimitiveRecord(utxoPathType, &path),
		tlv.MakePrimitiveRecord(utxoHeightType, &height),
		tlv.MakePrimitiveRecord(utxoBlockHashType, &blockHash),
		tlv.MakePrimitiveRecord(utxoFirstSeenType, &firstSeen),
		tlv.MakePrimitiveRecord(utxoAddrTypeType, &addrType),
		tlv.MakePrimitiveRecord(utxoSpentByType, &spentBy),
		tlv.MakePrimitiveRecord(utxoReservedType, &lockID),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(
		parsed, utxoOutPointType, utxoValueType, utxoScriptType,
		utxoPathType, utxoHeightType,
	)
	if err != nil {
		return nil, err
	}

	op, err := ParseOutPointKey(outPoint)
	if err != nil {
		return nil, err
	}

	amt, err := uint64ToAmount(value)
	if err != nil {
		return nil, err
	}

	keyPath, err := decodeKeyPath(path)
	if err != nil {
		return nil, err
	}

	seen, err := uint64ToTime(firstSeen)
	if err != nil {
		return nil, err
	}

	u := &Utxo{
		OutPoint:   op,
		Value:      amt,
		PkScript:   script,
		Path:       keyPath,
		AddrType:   waddrmgr.AddressType(addrType),
		Height:     height,
		BlockHash:  chainhash.Hash(blockHash),
		FirstSeen:  seen,
		SpentBy:    fn.None[chainhash.Hash](),
		ReservedBy: fn.None[LockID](),
	}

	if _, ok := parsed[utxoSpentByType]; ok {
		u.SpentBy = fn.Some(chainhash.Hash(spentBy))
	}
	if _, ok := parsed[utxoReservedType]; ok {
		u.ReservedBy = fn.Some(LockID(lockID))
	}

	for v := version; v < utxoRecordVersion; v++ {
		upgrade, ok := utxoUpgrades[v]
		if !ok {
			continue
		}

		if err := upgrade(u); err != nil {
			return nil, fmt.Errorf("upgrade from version %d: %w", v,
				err)
		}
	}

	return u, nil
}

// ============================================================================
// TxRecord
// ============================================================================

const (
	txHashType      tlv.Type = 1
	txRawType       tlv.Type = 3
	txHeightType    tlv.Type = 5
	txBlockHashType tlv.Type = 7
	txReceivedType  tlv.Type = 9
	txLabelType     tlv.Type = 11
)

// EncodeTx serializes a transaction record.
func EncodeTx(t *TxRecord) ([]byte, error) {
	var (
		hash      = [32]byte(t.Hash)
		raw       = t.Raw
		height    = t.Height
		blockHash = [32]byte(t.BlockHash)
		received  = timeToUint64(t.Received)
		label     = []byte(t.Label)
	)

	return encodeRecord(
		txRecordVersion,
		tlv.MakePrimitiveRecord(txHashType, &hash),
		tlv.MakePrimitiveRecord(txRawType, &raw),
		tlv.MakePrimitiveRecord(txHeightType, &height),
		tlv.MakePrimitiveRecord(txBlockHashType, &blockHash),
		tlv.MakePrimitiveRecord(txReceivedType, &received),
		tlv.MakePrimitiveRecord(txLabelType, &label),
	)
}

// DecodeTx deserializes a transaction record.
func DecodeTx(data []byte) (*TxRecord, error) {
	var (
		hash, blockHash [32]byte
		raw, label      []byte
		height          uint32
		received        uint64
	)

	_, parsed, err := decodeRecord(
		data, txRecordVersion,
		tlv.MakePrimitiveRecord(txHashType, &hash),
		tlv.MakePrimitiveRecord(txRawType, &raw),
		tlv.MakePrimitiveRecord(txHeightType, &height),
		tlv.MakePrimitiveRecord(txBlockHashType, &blockHash),
		tlv.MakePrimitiveRecord(txReceivedType, &received),
		tlv.MakePrimitiveRecord(txLabelType, &label),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(parsed, txHashType, txRawType, txHeightType)
	if err != nil {
		return nil, err
	}

	receivedAt, err := uint64ToTime(received)
	if err != nil {
		return nil, err
	}

	return &TxRecord{
		Hash:      chainhash.Hash(hash),
		Raw:       raw,
		Height:    height,
		BlockHash: chainhash.Hash(blockHash),
		Received:  receivedAt,
		Label:     string(label),
	}, nil
}

// ============================================================================
// PendingTx
// ============================================================================

const (
	pendingHashType    tlv.Type = 1
	pendingRawType     tlv.Type = 3
	pendingAccountType tlv.Type = 5
	pendingLockType    tlv.Type = 7
	pendingInputsType  tlv.Type = 9
	pendingFeeType     tlv.Type = 11
	pendingChangeType  tlv.Type = 13
	pendingStateType   tlv.Type = 15
	pendingCreatedType tlv.Type = 17
)

// EncodePending serializes a locally built transaction.
func EncodePending(p *PendingTx) ([]byte, error) {
	fee, err := amountToUint64(p.Fee)
	if err != nil {
		return nil, err
	}

	// The change index is stored off by one so -1 maps to zero.
	change, err := int32ToUint32(p.ChangeIndex + 1)
	if err != nil {
		return nil, err
	}

	var (
		hash    = [32]byte(p.Hash)
		raw     = p.Raw
		account = AccountKey(p.Account)
		lockID  = [32]byte(p.LockID)
		inputs  = encodeOutPoints(p.Inputs)
		state   = uint8(p.State)
		created = timeToUint64(p.CreatedAt)
	)

	return encodeRecord(
		pendingRecordVersion,
		tlv.MakePrimitiveRecord(pendingHashType, &hash),
		tlv.MakePrimitiveRecord(pendingRawType, &raw),
		tlv.MakePrimitiveRecord(pendingAccountType, &account),
		tlv.MakePrimitiveRecord(pendingLockType, &lockID),
		tlv.MakePrimitiveRecord(pendingInputsType, &inputs),
		tlv.MakePrimitiveRecord(pendingFeeType, &fee),
		tlv.MakePrimitiveRecord(pendingChangeType, &change),
		tlv.MakePrimitiveRecord(pendingStateType, &state),
		tlv.MakePrimitiveRecord(pendingCreatedType, &created),
	)
}

// DecodePending deserializes a locally built transaction.
func DecodePending(data []byte) (*PendingTx, error) {
	var (
		hash, lockID         [32]byte
		raw, account, inputs []byte
		fee, created         uint64
		change               uint32
		state                uint8
	)

	_, parsed, err := decodeRecord(
		data, pendingRecordVersion,
		tlv.MakePrimitiveRecord(pendingHashType, &hash),
		tlv.MakePrimitiveRecord(pendingRawType, &raw),
		tlv.MakePrimitiveRecord(pendingAccountType, &account),
		tlv.MakePrimitiveRecord(pendingLockType, &lockID),
		tlv.MakePrimitiveRecord(pendingInputsType, &inputs),
		tlv.MakePrimitiveRecord(pendingFeeType, &fee),
		tlv.MakePrimitiveRecord(pendingChangeType, &change),
		tlv.MakePrimitiveRecord(pendingStateType, &state),
		tlv.MakePrimitiveRecord(pendingCreatedType, &created),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(
		parsed, pendingHashType, pendingRawType, pendingAccountType,
		pendingStateType,
	)
	if err != nil {
		return nil, err
	}

	acctID, err := ParseAccountKey(account)
	if err != nil {
		return nil, err
	}

	ops, err := decodeOutPoints(inputs)
	if err != nil {
		return nil, err
	}

	amt, err := uint64ToAmount(fee)
	if err != nil {
		return nil, err
	}

	changeIndex, err := uint32ToInt32(change)
	if err != nil {
		return nil, err
	}

	createdAt, err := uint64ToTime(created)
	if err != nil {
		return nil, err
	}

	return &PendingTx{
		Hash:        chainhash.Hash(hash),
		Raw:         raw,
		Account:     acctID,
		LockID:      LockID(lockID),
		Inputs:      ops,
		Fee:         amt,
		ChangeIndex: changeIndex - 1,
		State:       PendingState(state),
		CreatedAt:   createdAt,
	}, nil
}

// ============================================================================
// Reservation
// ============================================================================

const (
	lockIDType        tlv.Type = 1
	lockOutPointsType tlv.Type = 3
	lockExpiryType    tlv.Type = 5
	lockBroadcastType tlv.Type = 7
	lockTxHashType    tlv.Type = 9
)

// EncodeReservation serializes a reservation.
func EncodeReservation(r *Reservation) ([]byte, error) {
	var (
		id        = [32]byte(r.ID)
		outPoints = encodeOutPoints(r.OutPoints)
		expiry    = timeToUint64(r.Expiry)
		broadcast = boolToUint8(r.Broadcast)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(lockIDType, &id),
		tlv.MakePrimitiveRecord(lockOutPointsType, &outPoints),
		tlv.MakePrimitiveRecord(lockExpiryType, &expiry),
		tlv.MakePrimitiveRecord(lockBroadcastType, &broadcast),
	}

	r.TxHash.WhenSome(func(h chainhash.Hash) {
		txHash := [32]byte(h)
		records = append(records, tlv.MakePrimitiveRecord(
			lockTxHashType, &txHash,
		))
	})

	return encodeRecord(lockRecordVersion, records...)
}

// DecodeReservation deserializes a reservation.
func DecodeReservation(data []byte) (*Reservation, error) {
	var (
		id, txHash [32]byte
		outPoints  []byte
		expiry     uint64
		broadcast  uint8
	)

	_, parsed, err := decodeRecord(
		data, lockRecordVersion,
		tlv.MakePrimitiveRecord(lockIDType, &id),
		tlv.MakePrimitiveRecord(lockOutPointsType, &outPoints),
		tlv.MakePrimitiveRecord(lockExpiryType, &expiry),
		tlv.MakePrimitiveRecord(lockBroadcastType, &broadcast),
		tlv.MakePrimitiveRecord(lockTxHashType, &txHash),
	)
	if err != nil {
		return nil, err
	}

	err = requireTypes(parsed, lockIDType, lockOutPointsType)
	if err != nil {
		return nil, err
	}

	ops, err := decodeOutPoints(outPoints)
	if err != nil {
		return nil, err
	}

	expiresAt, err := uint64ToTime(expiry)
	if err != nil {
		return nil, err
	}

	r := &Reservation{
		ID:        LockID(id),
		OutPoints: ops,
		Expiry:    expiresAt,
		Broadcast: broadcast != 0,
		TxHash:    fn.None[chainhash.Hash](),
	}
	if _, ok := parsed[lockTxHashType]; ok {
		r.TxHash = fn.Some(chainhash.Hash(txHash))
	}

	return r, nil
}

// ============================================================================
// SyncCursor
// ============================================================================

const (
	cursorAccountType tlv.Type = 1
	cursorUnusedExt   tlv.Type = 3
	cursorUnusedInt   tlv.Type = 5
	cursorScannedExt  tlv.Type = 7
	cursorScannedInt  tlv.Type = 9
	cursorHeightType  tlv.Type = 11
	cursorHashType    tlv.Type = 13
)

// EncodeCursor serializes a sync cursor.
func EncodeCursor(c *SyncCursor) ([]byte, error) {
	var (
		account    = AccountKey(c.Account)
		unusedExt  = c.NextUnused[waddrmgr.ExternalBranch]
		unusedInt  = c.NextUnused[waddrmgr.InternalBranch]
		scannedExt = c.Scanned[waddrmgr.ExternalBranch]
		scannedInt = c.Scanned[waddrmgr.InternalBranch]
		height     = c.Height
		hash       = [32]byte(c.Hash)
	)

	return encodeRecord(
		cursorRecordVersion,
		tlv.MakePrimitiveRecord(cursorAccountType, &account),
		tlv.MakePrimitiveRecord(cursorUnusedExt, &unusedExt),
		tlv.MakePrimitiveRecord(cursorUnusedInt, &unusedInt),
		tlv.MakePrimitiveRecord(cursorScannedExt, &scannedExt),
		tlv.MakePrimitiveRecord(cursorScannedInt, &scannedInt),
		tlv.MakePrimitiveRecord(cursorHeightType, &height),
		tlv.MakePrimitiveRecord(cursorHashType, &hash),
	)
}

// DecodeCursor deserializes a sync cursor.
func DecodeCursor(data []byte) (*SyncCursor, error) {
	var (
		account                []byte
		unusedExt, unusedInt   uint32
		scannedExt, scannedInt uint32
		height                 uint32
		hash                   [32]byte
	)

	_, parsed, err := decodeRecord(
		data, cursorRecordVersion,
		tlv.MakePrimitiveRecord(cursorAccountType, &account),
		tlv.MakePrimitiveRecord(cursorUnusedExt, &unusedExt),
		tlv.MakePrimitiveRecord(cursorUnusedInt, &unusedInt),
		tlv.MakePrimitiveRecord(cursorScannedExt, &scannedExt),
		tlv.MakePrimitiveRecord(cursorScannedInt, &scannedInt),
		tlv.MakePrimitiveRecord(cursorHeightType, &height),
		tlv.MakePrimitiveRecord(cursorHashType, &hash),
	)
	if err != nil {
		return nil, err
	}

	if err := requireTypes(parsed, cursorAccountType); err != nil {
		return nil, err
	}

	acctID, err := ParseAccountKey(account)
	if err != nil {
		return nil, err
	}

	return &SyncCursor{
		Account:    acctID,
		NextUnused: [2]uint32{unusedExt, unusedInt},
		Scanned:    [2]uint32{scannedExt, scannedInt},
		Height:     height,
		Hash:       chainhash.Hash(hash),
	}, nil
}
