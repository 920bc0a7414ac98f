package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/unit"
)

// chainPageSize is the number of confirmed transactions esplora returns per
// page of a script history.
const chainPageSize = 25

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

// getJSON performs a GET request and decodes the JSON response into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	return nil
}

// getHash performs a GET request whose body is a hex block or tx hash.
func (c *Client) getHash(ctx context.Context,
	path string) (chainhash.Hash, error) {

	body, err := c.doGet(ctx, path)
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to parse %s "+
			"response: %w", path, err)
	}

	return *hash, nil
}

// TipHeight returns the current blockchain tip height.
func (c *Client) TipHeight(ctx context.Context) (uint32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return toHeight(height)
}

// TipHash returns the current blockchain tip hash.
func (c *Client) TipHash(ctx context.Context) (chainhash.Hash, error) {
	return c.getHash(ctx, "/blocks/tip/hash")
}

// BlockHash returns the hash of the main chain block at height.
func (c *Client) BlockHash(ctx context.Context,
	height uint32) (chainhash.Hash, error) {

	return c.getHash(ctx, fmt.Sprintf("/block-height/%d", height))
}

// BlockHeader fetches the raw block header by hash.
func (c *Client) BlockHeader(ctx context.Context,
	hash chainhash.Hash) (*wire.BlockHeader, error) {

	body, err := c.doGet(ctx, "/block/"+hash.String()+"/header")
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %w", err)
	}

	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if header.BlockHash() != hash {
		return nil, fmt.Errorf("header for %v hashes to %v", hash,
			header.BlockHash())
	}

	return header, nil
}

// ScriptHistory returns every transaction that funds or spends pkScript. The
// first page holds the mempool entries and the newest confirmed ones, older
// confirmed entries are paged through by the last seen txid.
func (c *Client) ScriptHistory(ctx context.Context,
	pkScript []byte) ([]chain.TxRef, error) {

	base := "/scripthash/" + ScripthashFromScript(pkScript) + "/txs"

	var page []TxInfo
	if err := c.getJSON(ctx, base, &page); err != nil {
		return nil, err
	}

	var (
		refs []chain.TxRef
		seen = make(map[chainhash.Hash]struct{})
	)

	for {
		var (
			confirmed int
			lastTxID  string
		)

		for i := range page {
			ref, err := page[i].toTxRef()
			if err != nil {
				return nil, err
			}

			if ref.Confirmed() {
				confirmed++
				lastTxID = page[i].TxID
			}

			if _, ok := seen[ref.TxID]; ok {
				continue
			}
			seen[ref.TxID] = struct{}{}

			refs = append(refs, ref)
		}

		if confirmed < chainPageSize {
			break
		}

		page = nil
		err := c.getJSON(ctx, base+"/chain/"+lastTxID, &page)
		if err != nil {
			return nil, err
		}
	}

	// Oldest first, unconfirmed last, txid as the tie breaker.
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Height != refs[j].Height {
			return refs[i].Height < refs[j].Height
		}

		return bytes.Compare(refs[i].TxID[:], refs[j].TxID[:]) < 0
	})

	return refs, nil
}

// Transaction fetches a raw transaction by id.
func (c *Client) Transaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse tx: %w", err)
	}

	if tx.TxHash() != txid {
		return nil, fmt.Errorf("tx %v hashes to %v", txid, tx.TxHash())
	}

	return tx, nil
}

// MerkleProof fetches the merkle proof for a confirmed transaction.
func (c *Client) MerkleProof(ctx context.Context,
	txid chainhash.Hash) (*chain.MerkleProof, error) {

	var proof MerkleProof
	err := c.getJSON(ctx, "/tx/"+txid.String()+"/merkle-proof", &proof)
	if err != nil {
		return nil, err
	}

	return proof.toProof()
}

// Broadcast submits a transaction. A 400 answer means the network refused
// it.
func (c *Client) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to serialize tx: %w",
			err)
	}

	body := []byte(hex.EncodeToString(buf.Bytes()))

	resp, err := c.doRequest(ctx, http.MethodPost, "/tx", body)
	if err != nil {
		if chain.IsTransient(err) {
			return chainhash.Hash{}, err
		}

		return chainhash.Hash{}, fmt.Errorf("%w: %v",
			chain.ErrBroadcastRejected, err)
	}

	txid, err := chainhash.NewHashFromStr(strings.TrimSpace(string(resp)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to parse broadcast "+
			"response: %w", err)
	}

	if *txid != tx.TxHash() {
		return chainhash.Hash{}, fmt.Errorf("broadcast returned txid "+
			"%v, expected %v", txid, tx.TxHash())
	}

	return *txid, nil
}

// FeeEstimate returns the rate of the largest published target not above
// target. Lower targets carry higher rates, so rounding down never
// underpays.
func (c *Client) FeeEstimate(ctx context.Context,
	target uint32) (unit.SatPerKVByte, error) {

	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, err
	}

	rate, ok := pickFeeRate(estimates, target)
	if !ok {
		return 0, fmt.Errorf("%w: no esplora estimate for target %d",
			chain.ErrNoFeeEstimate, target)
	}

	return unit.SatPerVByteFromFloat(rate)
}

// pickFeeRate selects the estimate for target from the published ones. If
// every published target is above target, the fastest one is used.
func pickFeeRate(estimates FeeEstimates, target uint32) (float64, bool) {
	var (
		best     uint64
		bestRate float64
		found    bool

		lowest     uint64
		lowestRate float64
	)

	for key, rate := range estimates {
		blocks, err := strconv.ParseUint(key, 10, 32)
		if err != nil || blocks == 0 {
			continue
		}

		if lowest == 0 || blocks < lowest {
			lowest, lowestRate = blocks, rate
		}

		if blocks <= uint64(target) && blocks > best {
			best, bestRate, found = blocks, rate, true
		}
	}

	switch {
	case found:
		return bestRate, true

	case lowest != 0:
		return lowestRate, true

	default:
		return 0, false
	}
}
