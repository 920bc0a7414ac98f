package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/stretchr/testify/require"
)

// TestNewAddressSequence checks that each branch hands out consecutive
// indexes and never repeats one.
func TestNewAddressSequence(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	seen := make(map[string]struct{})
	for i := range 5 {
		addr := h.newAddr(t, waddrmgr.WitnessPubKey)

		info, err := h.w.AddressInfo(t.Context(), addr)
		require.NoError(t, err)
		require.Equal(t, uint32(i), info.Path.Index)
		require.Equal(t, uint32(waddrmgr.ExternalBranch),
			info.Path.Branch)
		require.True(t, info.Issued)

		seen[addr.String()] = struct{}{}
	}
	require.Len(t, seen, 5)

	change, err := h.w.NewChangeAddress(t.Context(),
		waddrmgr.DefaultAccountName, waddrmgr.WitnessPubKey)
	require.NoError(t, err)

	info, err := h.w.AddressInfo(t.Context(), change)
	require.NoError(t, err)
	require.Equal(t, uint32(waddrmgr.InternalBranch), info.Path.Branch)
	require.Zero(t, info.Path.Index)

	_, err = h.w.NewAddress(t.Context(), "missing",
		waddrmgr.WitnessPubKey)
	require.True(t, waddrmgr.IsError(err, waddrmgr.ErrAccountNotFound))
}

// TestNewAddressPersists checks that issue cursors survive a reopen.
func TestNewAddressPersists(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	for range 3 {
		h.newAddr(t, waddrmgr.PubKeyHash)
	}

	require.NoError(t, h.w.Close(t.Context()))

	w, err := Open(t.Context(), h.cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = w.Close(context.Background())
	})

	addr, err := w.NewAddress(t.Context(), waddrmgr.DefaultAccountName,
		waddrmgr.PubKeyHash)
	require.NoError(t, err)

	info, err := w.AddressInfo(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, uint32(3), info.Path.Index)
	require.Equal(t, waddrmgr.PubKeyHash, info.AddrType)

	addrs, err := w.ListAddresses(t.Context(),
		waddrmgr.DefaultAccountName, waddrmgr.PubKeyHash)
	require.NoError(t, err)
	require.Len(t, addrs, 4)
}

// TestAddressInfo checks balances and foreign addresses.
func TestAddressInfo(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	addr := h.newAddr(t, waddrmgr.WitnessPubKey)
	h.newAddr(t, waddrmgr.WitnessPubKey)

	h.sim.mine(h.sim.fundTx(
		payTo(t, addr, 30_000), payTo(t, addr, 20_000),
	))
	h.sync(t)

	info, err := h.w.AddressInfo(t.Context(), addr)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(50_000), info.Balance)
	require.Equal(t, uint32(1), info.FirstSeenHeight)
	require.Equal(t, addr.String(), info.Address.String())

	addrs, err := h.w.ListAddresses(t.Context(),
		waddrmgr.DefaultAccountName, waddrmgr.WitnessPubKey)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, btcutil.Amount(50_000), addrs[0].Balance)
	require.Zero(t, addrs[1].Balance)
	require.Zero(t, addrs[1].FirstSeenHeight)

	foreign, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chainParams,
	)
	require.NoError(t, err)

	_, err = h.w.AddressInfo(t.Context(), foreign)
	require.ErrorIs(t, err, ErrNotMine)
}

// TestListAddressesDiscovered checks that an address found by discovery is
// listed without being issued.
func TestListAddressesDiscovered(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	script := h.scriptAt(t, waddrmgr.WitnessPubKey,
		waddrmgr.ExternalBranch, 4)

	h.sim.mine(h.sim.fundTx(wire.NewTxOut(25_000, script)))
	h.sync(t)

	addrs, err := h.w.ListAddresses(t.Context(),
		waddrmgr.DefaultAccountName, waddrmgr.WitnessPubKey)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, uint32(4), addrs[0].Path.Index)
	require.False(t, addrs[0].Issued)
	require.Equal(t, uint32(1), addrs[0].FirstSeenHeight)
	require.Equal(t, btcutil.Amount(25_000), addrs[0].Balance)
}
