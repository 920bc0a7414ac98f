package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/stretchr/testify/require"
)

// TestAddAccount checks account numbering across address types.
func TestAddAccount(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	// Arrange: Adding keys needs the seed.
	_, err := h.w.AddAccount(t.Context(), "savings",
		waddrmgr.WitnessPubKey)
	require.ErrorIs(t, err, ErrStateForbidden)

	h.start(t)

	// Act: Add a new name, then the same name with another type.
	segwit, err := h.w.AddAccount(t.Context(), "savings",
		waddrmgr.WitnessPubKey)
	require.NoError(t, err)

	legacy, err := h.w.AddAccount(t.Context(), "savings",
		waddrmgr.PubKeyHash)
	require.NoError(t, err)

	other, err := h.w.AddAccount(t.Context(), "spending",
		waddrmgr.WitnessPubKey)
	require.NoError(t, err)

	// Assert: The name keeps its number across types.
	require.Equal(t, uint32(1), segwit.ID.Account)
	require.Equal(t, uint32(1), legacy.ID.Account)
	require.Equal(t, uint32(2), other.ID.Account)
	require.NotEqual(t, segwit.ID.Scope, legacy.ID.Scope)
	require.False(t, segwit.WatchOnly)
	require.Equal(t, h.w.keyRing.Fingerprint(), segwit.MasterFingerprint)

	// The same subtree cannot be added twice.
	_, err = h.w.AddAccount(t.Context(), "savings",
		waddrmgr.WitnessPubKey)
	require.True(t, waddrmgr.IsError(err, waddrmgr.ErrDuplicateAccount))

	_, err = h.w.AddAccount(t.Context(), "", waddrmgr.WitnessPubKey)
	require.ErrorIs(t, err, ErrWalletParams)

	accts, err := h.w.ListAccounts(t.Context())
	require.NoError(t, err)
	require.Len(t, accts, len(waddrmgr.AllAddressTypes)+3)
}

// TestAccountByName checks account lookups.
func TestAccountByName(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.newAddr(t, waddrmgr.NestedWitnessPubKey)

	info, err := h.w.AccountByName(t.Context(),
		waddrmgr.DefaultAccountName, waddrmgr.NestedWitnessPubKey)
	require.NoError(t, err)
	require.Equal(t, waddrmgr.NestedWitnessPubKey, info.AddrType)
	require.Equal(t, uint32(1), info.NextExternalIndex)
	require.Zero(t, info.NextInternalIndex)
	require.NotEmpty(t, info.AccountXPub)

	_, err = h.w.AccountByName(t.Context(), "missing",
		waddrmgr.WitnessPubKey)
	require.True(t, waddrmgr.IsError(err, waddrmgr.ErrAccountNotFound))
}

// TestImportAccount checks the key checks of watch-only imports and that
// imports survive a reopen.
func TestImportAccount(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	xpub := foreignAccountXPub(t, 84)

	seed := make([]byte, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chainParams)
	require.NoError(t, err)

	mainMaster, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	mainPub, err := mainMaster.Neuter()
	require.NoError(t, err)

	tests := []struct {
		name string
		xpub string
		code waddrmgr.ErrorCode
	}{
		{
			name: "garbage",
			xpub: "xpub-not-a-key",
			code: waddrmgr.ErrCrypto,
		},
		{
			name: "private key",
			xpub: master.String(),
			code: waddrmgr.ErrCrypto,
		},
		{
			name: "wrong network",
			xpub: mainPub.String(),
			code: waddrmgr.ErrWrongNet,
		},
	}

	for _, tc := range tests {
		_, err := h.w.ImportAccount(t.Context(), "cold", tc.xpub, 0,
			waddrmgr.WitnessPubKey)
		require.True(t, waddrmgr.IsError(err, tc.code), tc.name)
	}

	// Imports do not need the seed.
	info, err := h.w.ImportAccount(t.Context(), "cold", xpub, 0,
		waddrmgr.WitnessPubKey)
	require.NoError(t, err)
	require.True(t, info.WatchOnly)
	require.Equal(t, xpub, info.AccountXPub)
	require.Equal(t, uint32(1), info.ID.Account)

	addr, err := h.w.NewAddress(t.Context(), "cold",
		waddrmgr.WitnessPubKey)
	require.NoError(t, err)

	require.NoError(t, h.w.Close(t.Context()))

	w, err := Open(t.Context(), h.cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close(context.Background())
	})

	reopened, err := w.AccountByName(t.Context(), "cold",
		waddrmgr.WitnessPubKey)
	require.NoError(t, err)
	require.True(t, reopened.WatchOnly)
	require.Equal(t, uint32(1), reopened.NextExternalIndex)

	addrInfo, err := w.AddressInfo(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, info.ID, addrInfo.Path.AccountID())
}
