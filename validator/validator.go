// Package validator issues two-phase Proof-of-Access challenges to
// randomly selected, eligible peers, independently verifies their
// responses, measures latency with anti-cheat timing, and broadcasts
// signed results to the ledger.
package validator

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/bus"
	"github.com/dhenz14/hivepoa/crypto"
	"github.com/dhenz14/hivepoa/events"
	"github.com/dhenz14/hivepoa/ledger"
	"github.com/dhenz14/hivepoa/proof"
	"github.com/dhenz14/hivepoa/roster"
)

const (
	commitDeadline     = 2000 * time.Millisecond
	proofDeadline      = 25 * time.Second
	pinnedCacheTTL     = 5 * time.Minute
	defaultInterval    = 2 * time.Hour
	jitterFraction     = 0.2
)

// Outcome is the terminal state of one round.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSlow    Outcome = "slow"
	OutcomeSkipped Outcome = "skipped" // no eligible peer this round
)

// Stats are the monotonically non-decreasing per-round counters.
type Stats struct {
	Issued   int64
	Passed   int64
	Failed   int64
	Timeouts int64
}

// Config controls round cadence and broadcast behavior.
type Config struct {
	Self              string
	ChallengeInterval time.Duration
	BroadcastResults  bool
	RequireSigned     bool
}

// Validator issues challenge rounds on a jittered cadence.
type Validator struct {
	cfg    Config
	signer string
	priv   crypto.PrivateKey

	bus    *bus.Bus
	roster *roster.Roster
	ledger *ledger.Client
	store  *blockstore.Client
	events *events.Emitter

	pinnedCache *lru.LRU[string, []string]

	mu       sync.Mutex
	stats    Stats
	pending  map[string]chan interface{}
}

// New constructs a Validator.
func New(cfg Config, signer string, priv crypto.PrivateKey, b *bus.Bus, r *roster.Roster, l *ledger.Client, store *blockstore.Client, emitter *events.Emitter) *Validator {
	if cfg.ChallengeInterval <= 0 {
		cfg.ChallengeInterval = defaultInterval
	}
	return &Validator{
		cfg:         cfg,
		signer:      signer,
		priv:        priv,
		bus:         b,
		roster:      r,
		ledger:      l,
		store:       store,
		events:      emitter,
		pinnedCache: lru.NewLRU[string, []string](1, nil, pinnedCacheTTL),
		pending:     make(map[string]chan interface{}),
	}
}

// Stats returns a snapshot of the round counters.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// RunLoop issues rounds on a jittered cadence until ctx is cancelled.
func (v *Validator) RunLoop(ctx context.Context) {
	for {
		outcome := v.RunOnce(ctx)
		if outcome != OutcomeSkipped {
			log.Printf("[validator] round outcome: %s", outcome)
		}
		jitter := (rand.Float64()*2 - 1) * jitterFraction * float64(v.cfg.ChallengeInterval)
		wait := v.cfg.ChallengeInterval + time.Duration(jitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// HandleCommitmentResponse delivers an inbound commitment-response to a
// pending round, if one is waiting on its nonce.
func (v *Validator) HandleCommitmentResponse(resp bus.CommitmentResponse) {
	v.deliver(resp.Nonce, resp)
}

// HandleResponse delivers an inbound challenge response to a pending
// round, if one is waiting on its nonce.
func (v *Validator) HandleResponse(resp bus.Response) {
	v.deliver(resp.Nonce, resp)
}

func (v *Validator) deliver(nonce string, msg interface{}) {
	v.mu.Lock()
	ch, ok := v.pending[nonce]
	v.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (v *Validator) register(nonce string) chan interface{} {
	ch := make(chan interface{}, 1)
	v.mu.Lock()
	v.pending[nonce] = ch
	v.mu.Unlock()
	return ch
}

func (v *Validator) unregister(nonce string) {
	v.mu.Lock()
	delete(v.pending, nonce)
	v.mu.Unlock()
}

// RunOnce executes exactly one round and returns its terminal outcome.
func (v *Validator) RunOnce(ctx context.Context) Outcome {
	peer, err := v.roster.SelectRandomPeer(ctx)
	if err != nil {
		return OutcomeSkipped
	}

	cid, ok := v.pickPinnedCID(ctx)
	if !ok {
		return OutcomeSkipped
	}

	v.incr(func(s *Stats) { s.Issued++ })
	v.roster.MarkChallenged(peer.Account)
	outcome := v.runRound(ctx, peer.Account, cid)
	v.recordOutcome(peer.Account, outcome)
	return outcome
}

func (v *Validator) recordOutcome(account string, o Outcome) {
	switch o {
	case OutcomePass:
		v.incr(func(s *Stats) { s.Passed++ })
		v.roster.RecordResult(account, true)
	case OutcomeTimeout:
		v.incr(func(s *Stats) { s.Timeouts++ })
		v.roster.RecordResult(account, false)
	case OutcomeFail, OutcomeSlow:
		v.incr(func(s *Stats) { s.Failed++ })
		v.roster.RecordResult(account, false)
	}
}

func (v *Validator) incr(f func(*Stats)) {
	v.mu.Lock()
	f(&v.stats)
	v.mu.Unlock()
}

func (v *Validator) runRound(ctx context.Context, targetPeer, cid string) Outcome {
	ownCommitment, err := proof.ComputeCommitment(ctx, v.store, cid)
	if err != nil {
		log.Printf("[validator] own commitment for %s: %v", cid, err)
		return OutcomeFail
	}

	commitVerified := v.phaseCommit(ctx, targetPeer, cid, ownCommitment)
	if commitVerified == nil {
		return OutcomeFail // explicit mismatch or fail status
	}

	return v.phaseProof(ctx, targetPeer, cid, *commitVerified)
}

// phaseCommit runs phase 1. It returns a non-nil bool pointer to signal
// "proceed to phase 2" (true = commitment verified, false = timeout
// fallback), or nil to signal the round should fail now.
func (v *Validator) phaseCommit(ctx context.Context, targetPeer, cid string, own proof.Commitment) *bool {
	nonce := randomHex(16)
	ch := v.register(nonce)
	defer v.unregister(nonce)

	req := bus.CommitmentRequest{
		Type:            bus.MsgCommitmentRequest,
		TargetPeer:      targetPeer,
		ValidatorPeer:   v.cfg.Self,
		CID:             cid,
		Timestamp:       time.Now().UnixMilli(),
		Nonce:           nonce,
		ProtocolVersion: bus.ProtocolVersion,
	}
	if err := v.bus.Publish(ctx, req, v.signer, v.priv); err != nil {
		log.Printf("[validator] publish commitment-request: %v", err)
		return boolPtr(false)
	}

	select {
	case msg := <-ch:
		resp, ok := msg.(bus.CommitmentResponse)
		if !ok {
			return boolPtr(false)
		}
		if resp.Status != "success" {
			v.broadcastResult(ctx, targetPeer, cid, false, "", 0)
			return nil
		}
		if resp.BlockCount != own.BlockCount || resp.BlockListHash != own.BlockListHash {
			v.broadcastResult(ctx, targetPeer, cid, false, "", 0)
			return nil
		}
		verified := true
		return &verified
	case <-time.After(commitDeadline):
		return boolPtr(false) // legacy peer fallback
	case <-ctx.Done():
		return nil
	}
}

func boolPtr(b bool) *bool { return &b }

func (v *Validator) phaseProof(ctx context.Context, targetPeer, cid string, _ bool) Outcome {
	head, err := v.ledger.GetHeadBlock(ctx)
	if err != nil {
		log.Printf("[validator] get head block for salt: %v", err)
		return OutcomeFail
	}
	salt, err := proof.BuildSalt(head.Hash, time.Now().UnixMilli())
	if err != nil {
		log.Printf("[validator] build salt: %v", err)
		return OutcomeFail
	}

	nonce := randomHex(16)
	ch := v.register(nonce)
	defer v.unregister(nonce)

	req := bus.Challenge{
		Type:          bus.MsgChallenge,
		TargetPeer:    targetPeer,
		ValidatorPeer: v.cfg.Self,
		CID:           cid,
		Salt:          salt,
		Timestamp:     time.Now().UnixMilli(),
		Nonce:         nonce,
	}
	start := time.Now()
	if err := v.bus.Publish(ctx, req, v.signer, v.priv); err != nil {
		log.Printf("[validator] publish challenge: %v", err)
		return OutcomeFail
	}

	select {
	case msg := <-ch:
		rtt := time.Since(start)
		resp, ok := msg.(bus.Response)
		if !ok {
			return OutcomeFail
		}
		// The responder's self-reported elapsed is untrusted; the
		// validator's own measured round-trip is authoritative.
		if rtt > proofDeadline {
			v.broadcastResult(ctx, targetPeer, cid, false, resp.ProofHash, rtt.Milliseconds())
			return OutcomeSlow
		}
		if resp.Status != "success" {
			v.broadcastResult(ctx, targetPeer, cid, false, "", rtt.Milliseconds())
			return OutcomeFail
		}
		expected, err := proof.ComposeProof(ctx, v.store, cid, salt)
		if err != nil {
			log.Printf("[validator] recompute proof for verification: %v", err)
			v.broadcastResult(ctx, targetPeer, cid, false, resp.ProofHash, rtt.Milliseconds())
			return OutcomeFail
		}
		pass := expected == resp.ProofHash
		v.broadcastResult(ctx, targetPeer, cid, pass, resp.ProofHash, rtt.Milliseconds())
		if pass {
			return OutcomePass
		}
		return OutcomeFail
	case <-time.After(proofDeadline):
		return OutcomeTimeout
	case <-ctx.Done():
		return OutcomeFail
	}
}

func (v *Validator) broadcastResult(ctx context.Context, node, cid string, success bool, proofHash string, latencyMs int64) {
	if v.priv == nil || !v.cfg.BroadcastResults {
		return
	}
	payload := map[string]interface{}{
		"type":      "result",
		"node":      node,
		"validator": v.cfg.Self,
		"cid":       cid,
		"success":   success,
		"proofHash": proofHash,
		"latencyMs": latencyMs,
		"timestamp": time.Now().UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[validator] marshal result payload: %v", err)
		return
	}
	op := ledger.CustomOp{ID: "poa_result", Account: v.signer, Payload: body}
	if err := v.ledger.Broadcast(ctx, op, v.priv); err != nil {
		log.Printf("[validator] broadcast result: %v", err)
		return
	}
	if v.events != nil {
		v.events.Emit(events.Event{
			Type:      events.EventResultBroadcast,
			Timestamp: time.Now().UnixMilli(),
			Data:      payload,
		})
	}
}

func (v *Validator) pickPinnedCID(ctx context.Context) (string, bool) {
	pinned, ok := v.pinnedCache.Get("pinned")
	if !ok {
		list, err := v.store.PinLs(ctx)
		if err != nil {
			log.Printf("[validator] pin/ls: %v", err)
			return "", false
		}
		v.pinnedCache.Add("pinned", list)
		pinned = list
	}
	if len(pinned) == 0 {
		return "", false
	}
	return pinned[rand.Intn(len(pinned))], true
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = cryptorand.Read(b)
	return hex.EncodeToString(b)
}
