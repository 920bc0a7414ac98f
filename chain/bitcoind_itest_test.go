//go:build itest

package chain

import (
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/integration/rpctest"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/stretchr/testify/require"
)

// defaultTestTimeout bounds every wait on a live node.
const defaultTestTimeout = 30 * time.Second

// freePort returns a local TCP port that was free when asked.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

// setupMiner starts a btcd miner with a mature coinbase.
func setupMiner(t *testing.T) *rpctest.Harness {
	t.Helper()

	args := []string{
		fmt.Sprintf("--trickleinterval=%v", 10*time.Millisecond),
	}

	miner, err := rpctest.New(&chaincfg.RegressionNetParams, nil, args, "")
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, miner.TearDown())
	})

	require.NoError(t, miner.SetUp(true, 101))

	return miner
}

// setupBitcoind starts a bitcoind connected to the miner that publishes
// hashblock events. It returns an RPCNode for it and the ZMQ endpoint.
func setupBitcoind(t *testing.T, minerAddr string) (*RPCNode, string) {
	t.Helper()

	zmqBlockHost := fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t))
	rpcPort := freePort(t)

	bitcoind := exec.Command(
		"bitcoind",
		"-datadir="+t.TempDir(),
		"-regtest",
		"-connect="+minerAddr,
		"-rpcauth=weks:469e9bb14ab2360f8e226efed5ca6f"+
			"d$507c670e800a95284294edb5773b05544b"+
			"220110063096c221be9933c82d38e1",
		fmt.Sprintf("-rpcport=%d", rpcPort),
		fmt.Sprintf("-port=%d", freePort(t)),
		"-disablewallet",
		"-zmqpubhashblock="+zmqBlockHost,
	)
	require.NoError(t, bitcoind.Start())

	t.Cleanup(func() {
		_ = bitcoind.Process.Kill()
		_ = bitcoind.Wait()
	})

	var node *RPCNode
	require.Eventually(t, func() bool {
		var err error
		node, err = NewRPCNode(&RPCNodeConfig{
			Chain: &chaincfg.RegressionNetParams,
			Conn: &rpcclient.ConnConfig{
				Host:       fmt.Sprintf("127.0.0.1:%d", rpcPort),
				User:       "weks",
				Pass:       "weks",
				DisableTLS: true,
			},
		})

		return err == nil
	}, defaultTestTimeout, 200*time.Millisecond)

	t.Cleanup(node.Stop)

	// Wait for bitcoind to sync with the miner.
	require.Eventually(t, func() bool {
		tip, err := node.GetBestBlock()
		return err == nil && tip.Height >= 101
	}, defaultTestTimeout, 100*time.Millisecond)

	return node, zmqBlockHost
}

// TestBlockNotifierBitcoind checks that mined blocks reach the notifier and
// that the node reports the new tip.
func TestBlockNotifierBitcoind(t *testing.T) {
	miner := setupMiner(t)
	node, zmqHost := setupBitcoind(t, miner.P2PAddress())

	notifier, err := NewBlockNotifier(zmqHost)
	require.NoError(t, err)
	notifier.Start()
	t.Cleanup(notifier.Stop)

	// Give the subscription time to settle before mining.
	time.Sleep(time.Second)

	mined, err := miner.Client.Generate(3)
	require.NoError(t, err)

	// Undrained triggers are replaced, so only the last hash is certain
	// to arrive.
	last := *mined[len(mined)-1]
	timeout := time.After(defaultTestTimeout)
	for done := false; !done; {
		select {
		case got := <-notifier.Blocks():
			require.Contains(t, mined, &got)
			done = got == last

		case <-timeout:
			t.Fatalf("timed out waiting for block %v", last)
		}
	}

	var tipHash chainhash.Hash
	require.Eventually(t, func() bool {
		tip, err := node.GetBestBlock()
		if err != nil || tip.Height != 104 {
			return false
		}
		tipHash = tip.Hash

		return true
	}, defaultTestTimeout, 100*time.Millisecond)
	require.Equal(t, *mined[2], tipHash)
}
