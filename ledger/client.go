// Package ledger is a read/write client for the external append-only
// ledger (a Hive-compatible blockchain) the agent never produces blocks
// for. It reads head and historical blocks for salt material and account
// reputation, and broadcasts signed custom JSON operations announcing the
// agent and reporting challenge outcomes.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/dhenz14/hivepoa/crypto"
)

// headCacheTTL bounds how stale a cached head block is allowed to be; salt
// construction needs a recent hash, not necessarily the very latest one.
const headCacheTTL = 3 * time.Second

// requestTimeout bounds every single JSON-RPC call; a node that hasn't
// answered in 8s is treated the same as one that's down, so rotation moves
// on rather than blocking a challenge round.
const requestTimeout = 8 * time.Second

// Client rotates requests across a fixed set of ledger API nodes, rate
// limiting itself to stay a polite citizen of shared public infrastructure.
type Client struct {
	nodes   []string
	http    *http.Client
	limiter *rate.Limiter

	mu   sync.Mutex
	next int

	headCache *lru.LRU[string, HeadBlock]
}

// HeadBlock is the minimal head-block data the rest of the agent needs.
type HeadBlock struct {
	Number int64  `json:"number"`
	Hash   string `json:"hash"`
}

// New returns a Client that rotates across nodes. At least 3 endpoints are
// expected so a single outage never starves the agent of ledger access.
func New(nodes []string) *Client {
	return &Client{
		nodes:     nodes,
		http:      &http.Client{Timeout: requestTimeout},
		limiter:   rate.NewLimiter(3, 3), // 3 req/s, burst 3
		headCache: lru.NewLRU[string, HeadBlock](1, nil, headCacheTTL),
	}
}

type rpcRequest struct {
	ID     int           `json:"id"`
	JSONRPC string       `json:"jsonrpc"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call rotates to the next node on failure, trying every node at most once
// before giving up.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger: rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < len(c.nodes); attempt++ {
		node := c.pickNode()
		if err := c.callNode(ctx, node, method, params, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("ledger: all %d nodes failed, last error: %w", len(c.nodes), lastErr)
}

func (c *Client) pickNode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.nodes[c.next%len(c.nodes)]
	c.next++
	return node
}

func (c *Client) callNode(ctx context.Context, node, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{ID: 1, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build request to %s: %w", node, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: call %s: %w", node, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response from %s: %w", node, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger: %s returned rpc error: %s", node, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("ledger: unmarshal result from %s: %w", node, err)
	}
	return nil
}

// GetHeadBlock returns the chain's current head, served from a 3-second cache
// so a burst of salt requests doesn't hammer the node pool.
func (c *Client) GetHeadBlock(ctx context.Context) (HeadBlock, error) {
	if hb, ok := c.headCache.Get("head"); ok {
		return hb, nil
	}
	var hb HeadBlock
	if err := c.call(ctx, "condenser_api.get_dynamic_global_properties", nil, &hb); err != nil {
		return HeadBlock{}, err
	}
	c.headCache.Add("head", hb)
	return hb, nil
}

// Operation is one entry of a transaction's operation list, decoded in the
// condenser API's flattened two-element-array shape (`[type, body]`) down
// to the fields the roster's announcement scan actually needs. Only
// "custom_json" operations carry the id/json/auth fields; every other
// operation type leaves them zero.
type Operation struct {
	Type                 string   `json:"type"`
	RequiredPostingAuths []string `json:"required_posting_auths,omitempty"`
	ID                   string   `json:"id,omitempty"`
	JSON                 string   `json:"json,omitempty"`
}

// Transaction is one block transaction, reduced to its operation list; the
// roster scan never needs signatures, expiration, or ref-block fields.
type Transaction struct {
	Operations []Operation `json:"operations"`
}

// Block is a single ledger block, used for both range reads and the
// single-block fallback.
type Block struct {
	Number       int64         `json:"number"`
	Hash         string        `json:"hash"`
	Transactions []Transaction `json:"transactions"`
}

// GetBlockRange reads blocks [from, from+count) in a single call. count is
// capped at 50, matching how the public API itself caps range reads; a
// caller asking for more gets only the first 50 blocks and must issue any
// further calls itself.
func (c *Client) GetBlockRange(ctx context.Context, from int64, count int) ([]Block, error) {
	if count > 50 {
		count = 50
	}
	var blocks []Block
	if err := c.call(ctx, "block_api.get_block_range", []interface{}{from, count}, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// GetBlock fetches a single block, used as a fallback when a range read
// fails.
func (c *Client) GetBlock(ctx context.Context, number int64) (Block, error) {
	var block Block
	if err := c.call(ctx, "block_api.get_block", []interface{}{number}, &block); err != nil {
		return Block{}, err
	}
	return block, nil
}

// Account is the subset of on-chain account metadata reputation,
// eligibility, and signed-message verification need.
type Account struct {
	Name            string `json:"name"`
	Created         string `json:"created"`
	Reputation      int64  `json:"reputation"`
	ResourceCredits int64  `json:"resource_credits"`
	PostingPubKey   string `json:"posting_pubkey"`
}

// PostingKey decodes the account's posting public key, the key a bus
// envelope's signature is checked against.
func (a Account) PostingKey() (crypto.PublicKey, error) {
	return crypto.PubKeyFromHex(a.PostingPubKey)
}

// GetAccount looks up a single account by name.
func (c *Client) GetAccount(ctx context.Context, name string) (Account, error) {
	var accounts []Account
	if err := c.call(ctx, "condenser_api.get_accounts", []interface{}{[]string{name}}, &accounts); err != nil {
		return Account{}, err
	}
	if len(accounts) == 0 {
		return Account{}, fmt.Errorf("ledger: account %q not found", name)
	}
	return accounts[0], nil
}

// Reputation converts a raw reputation score into the conventional 0-100ish
// display scale: floor(max(0, ((log10(|r|) - 9) * 9 * sign(r)) + 25)), with
// 25 for a zero score (a brand new account).
func Reputation(raw int64) int64 {
	if raw == 0 {
		return 25
	}
	sign := 1.0
	if raw < 0 {
		sign = -1.0
	}
	absRaw := math.Abs(float64(raw))
	if absRaw < 1 {
		absRaw = 1
	}
	score := ((math.Log10(absRaw) - 9) * 9 * sign) + 25
	if score < 0 {
		score = 0
	}
	return int64(math.Floor(score))
}

// ProbeResourceCredits queries the ledger's resource-credit API for an
// account and always returns true. A probe error fails open, and a
// successful response is not compared against any broadcast cost, so an
// account with insufficient credits is never reported as such.
func (c *Client) ProbeResourceCredits(ctx context.Context, name string) bool {
	var out struct {
		RC struct {
			CurrentMana string `json:"current_mana"`
		} `json:"rc_accounts"`
	}
	if err := c.call(ctx, "rc_api.find_rc_accounts", []interface{}{[]string{name}}, &out); err != nil {
		return true
	}
	return true
}
