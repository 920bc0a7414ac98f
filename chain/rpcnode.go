package chain

import (
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/unit"
)

// FullNode is an optional trusted node used to broadcast and to estimate fees
// when the indexer cannot.
type FullNode interface {
	// SendRawTransaction submits a transaction to the node's mempool.
	SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error)

	// EstimateSmartFee returns a fee rate expected to confirm within
	// target blocks.
	EstimateSmartFee(target uint32) (unit.SatPerKVByte, error)

	// GetBestBlock returns the node's best block.
	GetBestBlock() (BlockStamp, error)
}

// rpcClient is the subset of the btcd rpcclient the node wrapper uses.
type rpcClient interface {
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)

	EstimateSmartFee(confTarget int64,
		mode *btcjson.EstimateSmartFeeMode) (
		*btcjson.EstimateSmartFeeResult, error)

	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)

	Shutdown()

	WaitForShutdown()
}

// RPCNodeConfig defines the config options used when connecting to a bitcoind
// or btcd node over JSON-RPC.
type RPCNodeConfig struct {
	// Conn describes the connection configuration parameters for the
	// client.
	Conn *rpcclient.ConnConfig

	// Chain defines the network the node is expected to run on.
	Chain *chaincfg.Params
}

// validate checks the required config options are set.
func (r *RPCNodeConfig) validate() error {
	if r == nil {
		return errors.New("missing rpc config")
	}

	if r.Chain == nil {
		return errors.New("missing chain params config")
	}

	if r.Conn == nil {
		return errors.New("missing conn config")
	}

	// If disableTLS is false, the remote RPC certificate must be provided
	// in the certs slice.
	if !r.Conn.DisableTLS && r.Conn.Certificates == nil {
		return errors.New("must provide certs when TLS is enabled")
	}

	return nil
}

// RPCNode implements FullNode over the btcd rpcclient in HTTP POST mode.
type RPCNode struct {
	client rpcClient
	params *chaincfg.Params
}

// A compile-time check to ensure that RPCNode satisfies the FullNode
// interface.
var _ FullNode = (*RPCNode)(nil)

// NewRPCNode creates a node client from cfg and checks that the node runs on
// the configured network.
func NewRPCNode(cfg *RPCNodeConfig) (*RPCNode, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// The wallet only issues request/response calls, so the websocket
	// notification machinery is not needed.
	cfg.Conn.HTTPPostMode = true
	cfg.Conn.DisableConnectOnNew = true

	client, err := rpcclient.New(cfg.Conn, nil)
	if err != nil {
		return nil, fmt.Errorf("create rpc client: %w", err)
	}

	node := newRPCNode(client, cfg.Chain)
	if err := node.checkNetwork(); err != nil {
		node.Stop()
		return nil, err
	}

	return node, nil
}

// newRPCNode wraps an rpc client.
func newRPCNode(client rpcClient, params *chaincfg.Params) *RPCNode {
	return &RPCNode{
		client: client,
		params: params,
	}
}

// checkNetwork verifies that the node serves the expected chain.
func (n *RPCNode) checkNetwork() error {
	info, err := n.client.GetBlockChainInfo()
	if err != nil {
		return n.mapError(err)
	}

	if info.Chain != nodeChainName(n.params) {
		return fmt.Errorf("mismatched networks: node runs %q, wallet "+
			"expects %q", info.Chain, nodeChainName(n.params))
	}

	return nil
}

// Stop shuts the client down.
func (n *RPCNode) Stop() {
	n.client.Shutdown()
	n.client.WaitForShutdown()
}

// SendRawTransaction submits tx. A transaction the node already knows is
// treated as a success.
func (n *RPCNode) SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error) {
	txid := tx.TxHash()

	_, err := n.client.SendRawTransaction(tx, false)
	if err == nil {
		return txid, nil
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case btcjson.ErrRPCTxAlreadyInChain:
			log.Infof("%v: tx already confirmed", txid)
			return txid, nil

		case btcjson.ErrRPCTxRejected, btcjson.ErrRPCTxError,
			btcjson.ErrRPCDeserialization:

			return chainhash.Hash{}, fmt.Errorf("%w: %v",
				ErrBroadcastRejected, rpcErr.Message)
		}
	}

	return chainhash.Hash{}, n.mapError(err)
}

// EstimateSmartFee returns the node's conservative estimate for target.
func (n *RPCNode) EstimateSmartFee(target uint32) (unit.SatPerKVByte, error) {
	mode := btcjson.EstimateModeConservative

	res, err := n.client.EstimateSmartFee(int64(target), &mode)
	if err != nil {
		return 0, n.mapError(err)
	}

	if res.FeeRate == nil {
		return 0, fmt.Errorf("%w: node returned no rate: %v",
			ErrNoFeeEstimate, res.Errors)
	}

	return unit.SatPerKVByteFromBTC(*res.FeeRate)
}

// GetBestBlock returns the node's best block.
func (n *RPCNode) GetBestBlock() (BlockStamp, error) {
	info, err := n.client.GetBlockChainInfo()
	if err != nil {
		return BlockStamp{}, n.mapError(err)
	}

	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return BlockStamp{}, fmt.Errorf("parse best block hash: %w", err)
	}

	if info.Blocks < 0 {
		return BlockStamp{}, fmt.Errorf("negative block count %d",
			info.Blocks)
	}

	return BlockStamp{Height: uint32(info.Blocks), Hash: *hash}, nil
}

// mapError maps connection failures onto the transient indexer errors so the
// caller's retry policy applies to the node as well.
func (n *RPCNode) mapError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrIndexerTimeout, err)
		}

		return fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}

	if errors.Is(err, rpcclient.ErrClientShutdown) {
		return fmt.Errorf("%w: %v", ErrIndexerUnavailable, err)
	}

	return err
}

// nodeChainName returns the chain name bitcoind reports in getblockchaininfo.
func nodeChainName(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.MainNetParams.Net:
		return "main"

	case chaincfg.TestNet3Params.Net:
		return "test"

	case chaincfg.SigNetParams.Net:
		return "signet"

	case chaincfg.RegressionNetParams.Net:
		return "regtest"

	default:
		return params.Name
	}
}
