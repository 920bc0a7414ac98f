package wallet

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/stretchr/testify/require"
)

// foreignAccountXPub returns the account xpub of account 0 under purpose
// for a seed no test wallet uses.
func foreignAccountXPub(t *testing.T, purpose uint32) string {
	t.Helper()

	seed := bytes.Repeat([]byte{0x42}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chainParams)
	require.NoError(t, err)

	key := master
	for _, index := range []uint32{purpose, chainParams.HDCoinType, 0} {
		key, err = key.Derive(index + hdkeychain.HardenedKeyStart)
		require.NoError(t, err)
	}

	xpub, err := key.Neuter()
	require.NoError(t, err)

	return xpub.String()
}

// hardenedPath returns the BIP32 path of a default account key.
func hardenedPath(purpose, branch, index uint32) []uint32 {
	return []uint32{
		purpose + hdkeychain.HardenedKeyStart,
		chainParams.HDCoinType + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		branch,
		index,
	}
}

// TestFundPsbt checks the inputs, change output and reservation of a funded
// packet. The wallet stays stopped and locked.
func TestFundPsbt(t *testing.T) {
	t.Parallel()

	// Arrange: A stopped wallet with one native segwit coin.
	h := newTestHarness(t)
	funding := h.receive(t, 100_000, waddrmgr.WitnessPubKey)
	h.sync(t)

	// Act.
	funded, err := h.w.FundPsbt(t.Context(), &BuildRequest{
		Outputs: []*wire.TxOut{foreignOutput(t, 40_000)},
		Fee:     FeePolicy{Rate: testFeeRate},
	})
	require.NoError(t, err)

	// Assert: The input carries the full funding tx, the witness utxo
	// and the key derivation.
	packet := funded.Packet
	require.NoError(t, packet.SanityCheck())
	require.Len(t, packet.Inputs, 1)

	in := packet.Inputs[0]
	require.Equal(t, funding.TxHash(), in.NonWitnessUtxo.TxHash())
	require.Equal(t, funding.TxOut[0], in.WitnessUtxo)
	require.Equal(t, txscript.SigHashAll, in.SighashType)
	require.Nil(t, in.RedeemScript)

	require.Len(t, in.Bip32Derivation, 1)
	require.Equal(t, hardenedPath(84, 0, 0), in.Bip32Derivation[0].Bip32Path)
	require.Equal(t, h.w.keyRing.Fingerprint(),
		in.Bip32Derivation[0].MasterKeyFingerprint)
	require.NotZero(t, in.Bip32Derivation[0].MasterKeyFingerprint)

	// Assert: The change output is annotated too.
	require.GreaterOrEqual(t, funded.ChangeIndex, int32(0))
	change := packet.Outputs[funded.ChangeIndex]
	require.Len(t, change.Bip32Derivation, 1)
	require.Equal(t, hardenedPath(84, 1, 0),
		change.Bip32Derivation[0].Bip32Path)

	var totalOut int64
	for _, out := range packet.UnsignedTx.TxOut {
		totalOut += out.Value
	}
	require.Equal(t, btcutil.Amount(100_000-totalOut), funded.Fee)

	// Assert: The coin is reserved, but no pending tx exists since the
	// packet is unsigned.
	require.Equal(t, btcutil.Amount(100_000), h.balance(t).Reserved)

	_, err = h.w.TxStatus(t.Context(), packet.UnsignedTx.TxHash())
	require.ErrorIs(t, err, ErrTxNotFound)

	require.NoError(t, h.w.ReleaseReservation(t.Context(), funded.LockID))
	require.Zero(t, h.balance(t).Reserved)
}

// TestFundPsbtSpendReleases checks that a funded packet signed elsewhere and
// confirmed ends its reservation.
func TestFundPsbtSpendReleases(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.receive(t, 100_000, waddrmgr.WitnessPubKey)
	h.sync(t)

	funded, err := h.w.FundPsbt(t.Context(), &BuildRequest{
		Outputs: []*wire.TxOut{foreignOutput(t, 40_000)},
		Fee:     FeePolicy{Rate: testFeeRate},
	})
	require.NoError(t, err)

	// The simulated chain does not check scripts, and a segwit spend
	// keeps its txid once signed.
	h.sim.mine(funded.Packet.UnsignedTx)
	h.sync(t)

	balance := h.balance(t)
	require.Zero(t, balance.Reserved)
	require.Equal(t, btcutil.Amount(
		funded.Packet.UnsignedTx.TxOut[funded.ChangeIndex].Value,
	), balance.Confirmed)

	require.ErrorIs(t, h.w.ReleaseReservation(t.Context(), funded.LockID),
		ErrReservationNotFound)
}

// TestFundPsbtAddressTypes checks the per type decoration of inputs and of
// nested change.
func TestFundPsbtAddressTypes(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	fundings := make(map[waddrmgr.AddressType]*wire.MsgTx)
	var inputs []wire.OutPoint
	for _, addrType := range waddrmgr.AllAddressTypes {
		tx := h.receive(t, 40_000, addrType)
		fundings[addrType] = tx
		inputs = append(inputs, wire.OutPoint{Hash: tx.TxHash()})
	}
	h.sync(t)

	funded, err := h.w.FundPsbt(t.Context(), &BuildRequest{
		Outputs:    []*wire.TxOut{foreignOutput(t, 100_000)},
		Fee:        FeePolicy{Rate: testFeeRate},
		ChangeType: waddrmgr.NestedWitnessPubKey,
		Inputs:     inputs,
	})
	require.NoError(t, err)

	packet := funded.Packet
	for i, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[i]

		var addrType waddrmgr.AddressType
		for typ, tx := range fundings {
			if tx.TxHash() == txIn.PreviousOutPoint.Hash {
				addrType = typ
			}
		}

		require.NotNil(t, in.NonWitnessUtxo, "input %d", i)

		switch addrType {
		case waddrmgr.PubKeyHash:
			require.Nil(t, in.WitnessUtxo)
			require.Nil(t, in.RedeemScript)
			require.Equal(t, uint32(44)+hdkeychain.HardenedKeyStart,
				in.Bip32Derivation[0].Bip32Path[0])

		case waddrmgr.NestedWitnessPubKey:
			require.NotNil(t, in.WitnessUtxo)
			require.Equal(t, btcutil.Hash160(in.RedeemScript),
				in.WitnessUtxo.PkScript[2:22])
			require.Equal(t, uint32(49)+hdkeychain.HardenedKeyStart,
				in.Bip32Derivation[0].Bip32Path[0])

		case waddrmgr.WitnessPubKey:
			require.NotNil(t, in.WitnessUtxo)
			require.Nil(t, in.RedeemScript)

		default:
			t.Fatalf("input %d spends an unknown funding tx", i)
		}
	}

	change := packet.Outputs[funded.ChangeIndex]
	require.NotEmpty(t, change.RedeemScript)
	require.Equal(t, hardenedPath(49, 1, 0),
		change.Bip32Derivation[0].Bip32Path)

	// The prev out fetcher sees every spent output.
	fetcher := PsbtPrevOutputFetcher(packet)
	for _, txIn := range packet.UnsignedTx.TxIn {
		prev := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		require.NotNil(t, prev)
		require.Equal(t, int64(40_000), prev.Value)
	}
}

// TestFundPsbtWatchOnly checks that a watch-only account can be funded but
// not spent from directly.
func TestFundPsbtWatchOnly(t *testing.T) {
	t.Parallel()

	// Arrange: Import a foreign account and receive to it.
	h := newTestHarness(t)

	const fingerprint = 0xdeadbeef
	info, err := h.w.ImportAccount(
		t.Context(), "cold", foreignAccountXPub(t, 84), fingerprint,
		waddrmgr.WitnessPubKey,
	)
	require.NoError(t, err)
	require.True(t, info.WatchOnly)

	addr, err := h.w.NewAddress(t.Context(), "cold",
		waddrmgr.WitnessPubKey)
	require.NoError(t, err)

	h.sim.mine(h.sim.fundTx(payTo(t, addr, 100_000)))
	h.start(t)
	h.sync(t)

	balance, err := h.w.Balance(t.Context(), "cold")
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100_000), balance.Confirmed)

	req := &BuildRequest{
		Outputs: []*wire.TxOut{foreignOutput(t, 40_000)},
		Account: "cold",
		Fee:     FeePolicy{Rate: testFeeRate},
	}

	// Act and assert: The wallet cannot sign for the account.
	_, err = h.w.BuildTransaction(t.Context(), req)
	require.ErrorIs(t, err, ErrNoSpendableAccount)

	// Act and assert: A packet is funded with the imported fingerprint.
	funded, err := h.w.FundPsbt(t.Context(), req)
	require.NoError(t, err)

	in := funded.Packet.Inputs[0]
	require.Equal(t, uint32(fingerprint),
		in.Bip32Derivation[0].MasterKeyFingerprint)
	require.Equal(t, []uint32{
		84 + hdkeychain.HardenedKeyStart,
		chainParams.HDCoinType + hdkeychain.HardenedKeyStart,
		info.ID.Account + hdkeychain.HardenedKeyStart,
		0, 0,
	}, in.Bip32Derivation[0].Bip32Path)
}

// TestPsbtPrevOutputFetcher checks that the full funding tx wins over the
// witness utxo and that inputs without either are skipped.
func TestPsbtPrevOutputFetcher(t *testing.T) {
	t.Parallel()

	prevTx := wire.NewMsgTx(wire.TxVersion)
	prevTx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))
	prevTx.AddTxOut(wire.NewTxOut(2, []byte{0x52}))
	prevHash := prevTx.TxHash()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 1), nil, nil))
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 7}, nil, nil))
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 8}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	packet.Inputs[0].NonWitnessUtxo = prevTx
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(99, []byte{0x53})
	packet.Inputs[1].WitnessUtxo = wire.NewTxOut(3, []byte{0x54})

	fetcher := PsbtPrevOutputFetcher(packet)

	require.Equal(t, prevTx.TxOut[1],
		fetcher.FetchPrevOutput(tx.TxIn[0].PreviousOutPoint))
	require.Equal(t, packet.Inputs[1].WitnessUtxo,
		fetcher.FetchPrevOutput(tx.TxIn[1].PreviousOutPoint))
	require.Nil(t, fetcher.FetchPrevOutput(tx.TxIn[2].PreviousOutPoint))
}
