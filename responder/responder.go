// Package responder answers challenges issued by other agents: the
// commitment phase (fast, local-only) and the full proof phase, both under
// strict deadlines, with replay protection and per-validator rate limits.
package responder

import (
	"context"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhenz14/hivepoa/bus"
	"github.com/dhenz14/hivepoa/crypto"
	"github.com/dhenz14/hivepoa/events"
	"github.com/dhenz14/hivepoa/proof"
)

const (
	maxConcurrent       = 5
	perValidatorCooldown = 30 * time.Second
	nonceTTL            = 60 * time.Second
	acceptanceSkew      = 30 * time.Second
	commitmentDeadline  = 1800 * time.Millisecond
	proofDeadline       = 24 * time.Second

	// pendingRoundTTL bounds how long a validator has to follow an accepted
	// phase-1 commitment-request with its phase-2 challenge before the
	// round's cooldown exemption expires.
	pendingRoundTTL = 30 * time.Second
)

// Responder answers inbound challenges for one local peer identity.
type Responder struct {
	self   string
	signer string
	priv   crypto.PrivateKey
	store  proof.BlockFetcher
	bus    *bus.Bus
	events *events.Emitter

	seenNonces      *lru.LRU[string, struct{}]
	lastByValidator *lru.LRU[string, time.Time]
	pendingRounds   *lru.LRU[string, struct{}]
	slots           chan struct{}
}

// New constructs a Responder. priv may be nil, in which case responses are
// published unsigned.
func New(self, signer string, priv crypto.PrivateKey, store proof.BlockFetcher, b *bus.Bus, emitter *events.Emitter) *Responder {
	return &Responder{
		self:            self,
		signer:          signer,
		priv:            priv,
		store:           store,
		bus:             b,
		events:          emitter,
		seenNonces:      lru.NewLRU[string, struct{}](16384, nil, nonceTTL),
		lastByValidator: lru.NewLRU[string, time.Time](4096, nil, perValidatorCooldown),
		pendingRounds:   lru.NewLRU[string, struct{}](4096, nil, pendingRoundTTL),
		slots:           make(chan struct{}, maxConcurrent),
	}
}

// HandleCommitmentRequest processes an inbound phase-1 request.
func (r *Responder) HandleCommitmentRequest(ctx context.Context, req bus.CommitmentRequest) {
	if !r.acceptCommitment(req.TargetPeer, req.ValidatorPeer, req.Nonce, req.Timestamp, req.CID) {
		return
	}
	if !r.tryAcquireSlot() {
		return
	}
	go func() {
		defer r.releaseSlot()
		resp := bus.CommitmentResponse{
			Type:            bus.MsgCommitmentResponse,
			TargetPeer:      req.ValidatorPeer,
			ValidatorPeer:   req.ValidatorPeer,
			CID:             req.CID,
			Timestamp:       req.Timestamp,
			Nonce:           req.Nonce,
			ProtocolVersion: bus.ProtocolVersion,
		}

		cctx, cancel := context.WithTimeout(ctx, commitmentDeadline)
		defer cancel()
		commitment, err := proof.ComputeCommitment(cctx, r.store, req.CID)
		if err != nil {
			resp.Status = "fail"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.BlockCount = commitment.BlockCount
			resp.BlockListHash = commitment.BlockListHash
		}

		if err := r.bus.Publish(ctx, resp, r.signer, r.priv); err != nil {
			log.Printf("[responder] publish commitment-response: %v", err)
		}
	}()
}

// HandleChallenge processes an inbound phase-2 challenge.
func (r *Responder) HandleChallenge(ctx context.Context, ch bus.Challenge) {
	if !r.acceptChallenge(ch.TargetPeer, ch.ValidatorPeer, ch.Nonce, ch.Timestamp, ch.CID) {
		return
	}
	if !r.tryAcquireSlot() {
		return
	}
	go func() {
		defer r.releaseSlot()
		start := time.Now()
		resp := bus.Response{
			Type:          bus.MsgResponse,
			TargetPeer:    ch.ValidatorPeer,
			ValidatorPeer: ch.ValidatorPeer,
			CID:           ch.CID,
			Salt:          ch.Salt,
			Nonce:         ch.Nonce,
		}

		pctx, cancel := context.WithTimeout(ctx, proofDeadline)
		defer cancel()
		hash, err := proof.ComposeProof(pctx, r.store, ch.CID, ch.Salt)
		resp.ElapsedMs = time.Since(start).Milliseconds()
		if err != nil {
			resp.Status = "fail"
			resp.Error = err.Error()
			r.emit(events.EventChallengeFailed, map[string]any{"cid": ch.CID, "validator": ch.ValidatorPeer, "elapsedMs": resp.ElapsedMs})
		} else {
			resp.Status = "success"
			resp.ProofHash = hash
			r.emit(events.EventChallengePassed, map[string]any{"cid": ch.CID, "validator": ch.ValidatorPeer, "elapsedMs": resp.ElapsedMs})
		}

		if err := r.bus.Publish(ctx, resp, r.signer, r.priv); err != nil {
			log.Printf("[responder] publish response: %v", err)
		}
	}()
}

// basicChecks runs the acceptance filter shared by both protocol phases:
// target must be self, timestamp must be fresh, nonce must be unseen, and
// the CID must be well-formed. It does not gate on the per-validator
// cooldown; the two phases apply that differently (see acceptCommitment
// and acceptChallenge).
func (r *Responder) basicChecks(targetPeer, nonce string, timestampMs int64, cid string) bool {
	if targetPeer != r.self {
		return false
	}
	if !proof.ValidCID(cid) {
		return false
	}
	age := time.Since(time.UnixMilli(timestampMs))
	if age < 0 {
		age = -age
	}
	if age >= acceptanceSkew {
		return false
	}
	if _, seen := r.seenNonces.Get(nonce); seen {
		return false
	}
	r.seenNonces.Add(nonce, struct{}{})
	return true
}

// roundKey identifies the round a validator's phase-1 commitment-request
// and phase-2 challenge belong to, so the challenge can be let through
// without re-checking the per-validator cooldown its own acceptance just
// started.
func roundKey(validatorPeer, cid string) string {
	return validatorPeer + "|" + cid
}

// acceptCommitment gates an inbound phase-1 commitment-request. It is the
// one point where the per-validator cooldown is actually enforced; passing
// it opens a short-lived exemption so the phase-2 challenge that normally
// follows within milliseconds is not itself rejected by the same cooldown.
func (r *Responder) acceptCommitment(targetPeer, validatorPeer, nonce string, timestampMs int64, cid string) bool {
	if !r.basicChecks(targetPeer, nonce, timestampMs, cid) {
		return false
	}
	if last, ok := r.lastByValidator.Get(validatorPeer); ok && time.Since(last) < perValidatorCooldown {
		return false
	}
	r.lastByValidator.Add(validatorPeer, time.Now())
	r.pendingRounds.Add(roundKey(validatorPeer, cid), struct{}{})
	return true
}

// acceptChallenge gates an inbound phase-2 challenge. If it completes a
// round this responder just accepted a commitment-request for, the
// per-validator cooldown is skipped since that cooldown already did its
// job at phase 1; otherwise (a challenge with no preceding commitment
// phase, e.g. a legacy validator) the cooldown applies as normal.
func (r *Responder) acceptChallenge(targetPeer, validatorPeer, nonce string, timestampMs int64, cid string) bool {
	if !r.basicChecks(targetPeer, nonce, timestampMs, cid) {
		return false
	}
	key := roundKey(validatorPeer, cid)
	if _, pending := r.pendingRounds.Get(key); pending {
		r.pendingRounds.Remove(key)
		return true
	}
	if last, ok := r.lastByValidator.Get(validatorPeer); ok && time.Since(last) < perValidatorCooldown {
		return false
	}
	r.lastByValidator.Add(validatorPeer, time.Now())
	return true
}

func (r *Responder) tryAcquireSlot() bool {
	select {
	case r.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *Responder) releaseSlot() {
	<-r.slots
}

func (r *Responder) emit(typ events.EventType, data map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(events.Event{Type: typ, Timestamp: time.Now().UnixMilli(), Data: data})
}
