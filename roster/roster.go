// Package roster tracks the set of known PoA peers: who has announced
// themselves on the ledger, whether they pass Sybil-resistance checks, and
// which ones are currently dialled on the block-store daemon's swarm. The
// Challenge Issuer draws its targets from here; nothing else in the agent
// maintains peer state.
package roster

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/ledger"
	"github.com/dhenz14/hivepoa/storage"
)

// pruneAfter is how long a peer can go without being re-announced before
// the roster drops it; a silent peer is assumed offline, not just slow.
const pruneAfter = 4 * time.Hour

// sybilCacheTTL caches the outcome of an account-age/reputation check so a
// validator doesn't re-run it against the ledger every round for the same
// peer.
const sybilCacheTTL = time.Hour

// minAccountAgeDays is the minimum ledger account age a peer must have to
// be considered for challenges, a blunt but cheap Sybil deterrent.
const minAccountAgeDays = 7

// minChallengeCooldownFloor is the lowest per-peer challenge cooldown ever
// enforced, regardless of how short the validator's own round interval is
// configured.
const minChallengeCooldownFloor = 60 * time.Second

const dialQueueConcurrency = 3

// Peer is one known PoA participant, keyed by ledger account name.
type Peer struct {
	Account           string
	PeerID            string
	Version           string
	DeclaredStorageGB int64
	PinCount          int
	LastAnnouncedAt   time.Time
	Reputation        int64
	LastChallengedAt  time.Time
	PassCount         int64
	FailCount         int64
}

// Roster is the mutex-guarded, single-owner peer map.
type Roster struct {
	ledger *ledger.Client
	store  storage.DB
	bs     *blockstore.Client

	self              string
	minReputation     int64
	challengeCooldown time.Duration

	mu    sync.RWMutex
	peers map[string]*Peer

	sybilCache *lru.LRU[string, bool]
	dialQueue  chan string
	dialWG     sync.WaitGroup
}

// New constructs a Roster backed by store for the scan cursor and bs for
// swarm dialling. self is excluded from every upsert and eligibility check.
// minReputation is the ledger-derived reputation floor (config's
// MinPeerReputation); challengeInterval is the validator's round cadence,
// used to derive the per-peer cooldown max(60s, challengeInterval/2).
func New(l *ledger.Client, store storage.DB, bs *blockstore.Client, self string, minReputation int64, challengeInterval time.Duration) *Roster {
	cooldown := challengeInterval / 2
	if cooldown < minChallengeCooldownFloor {
		cooldown = minChallengeCooldownFloor
	}
	r := &Roster{
		ledger:            l,
		store:             store,
		bs:                bs,
		self:              self,
		minReputation:     minReputation,
		challengeCooldown: cooldown,
		peers:             make(map[string]*Peer),
		sybilCache:        lru.NewLRU[string, bool](4096, nil, sybilCacheTTL),
		dialQueue:         make(chan string, 256),
	}
	for i := 0; i < dialQueueConcurrency; i++ {
		r.dialWG.Add(1)
		go r.dialWorker()
	}
	return r
}

func (r *Roster) dialWorker() {
	defer r.dialWG.Done()
	for peerID := range r.dialQueue {
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if err := r.bs.SwarmConnectTimeout(ctx, "/p2p/"+peerID); err != nil {
			log.Printf("[roster] swarm connect %s: %v", peerID, err)
		}
		cancel()
	}
}

// Close stops the dial workers. Call once, at shutdown.
func (r *Roster) Close() {
	close(r.dialQueue)
	r.dialWG.Wait()
}

// Upsert records or refreshes a peer announcement and enqueues a swarm dial
// if the peer wasn't already known. The announcing account is never
// recorded for self.
func (r *Roster) Upsert(account, peerID, version string, storageGB int64, pinCount int) {
	if account == r.self {
		return
	}
	r.mu.Lock()
	p, known := r.peers[account]
	if !known {
		p = &Peer{Account: account}
		r.peers[account] = p
	}
	p.PeerID = peerID
	p.Version = version
	p.DeclaredStorageGB = storageGB
	p.PinCount = pinCount
	p.LastAnnouncedAt = time.Now()
	r.mu.Unlock()

	if !known {
		select {
		case r.dialQueue <- peerID:
		default:
			log.Printf("[roster] dial queue full, dropping dial for %s", account)
		}
	}
}

// MarkChallenged records that a peer was just issued a challenge, starting
// its per-peer cooldown. Called once per round on every terminal outcome
// except a skipped round (which never selected a peer at all).
func (r *Roster) MarkChallenged(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[account]; ok {
		p.LastChallengedAt = time.Now()
	}
}

// RecordResult tallies a round's terminal pass/fail outcome against the
// peer it was issued to.
func (r *Roster) RecordResult(account string, pass bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[account]
	if !ok {
		return
	}
	if pass {
		p.PassCount++
	} else {
		p.FailCount++
	}
}

// Prune removes peers that haven't re-announced in over 4 hours.
func (r *Roster) Prune() {
	cutoff := time.Now().Add(-pruneAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	for account, p := range r.peers {
		if p.LastAnnouncedAt.Before(cutoff) {
			delete(r.peers, account)
		}
	}
}

// Len reports how many peers are currently tracked.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ErrNoPeers is returned by SelectRandomPeer when no eligible peer exists.
var ErrNoPeers = errors.New("roster: no eligible peers")

// SelectRandomPeer returns a uniformly random peer that passes the Sybil
// resistance check, skipping the ledger round-trip for peers whose result
// is already cached.
func (r *Roster) SelectRandomPeer(ctx context.Context) (Peer, error) {
	r.mu.RLock()
	candidates := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		candidates = append(candidates, *p)
	}
	r.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for _, c := range candidates {
		if r.isEligible(ctx, c) {
			return c, nil
		}
	}
	return Peer{}, ErrNoPeers
}

// isEligible applies, in order: self-exclusion, the 4h announcement
// freshness window, the per-peer challenge cooldown, and the cached
// ledger-derived Sybil check (account age + reputation floor).
func (r *Roster) isEligible(ctx context.Context, p Peer) bool {
	if p.Account == r.self {
		return false
	}
	if time.Since(p.LastAnnouncedAt) >= pruneAfter {
		return false
	}
	if !p.LastChallengedAt.IsZero() && time.Since(p.LastChallengedAt) < r.challengeCooldown {
		return false
	}
	if ok, cached := r.sybilCache.Get(p.Account); cached {
		return ok
	}
	eligible, cacheable := r.passesSybilCheck(ctx, p.Account)
	if cacheable {
		r.sybilCache.Add(p.Account, eligible)
	}
	return eligible
}

// passesSybilCheck verifies the announcing ledger account actually exists,
// is old enough, and carries enough reputation to be trusted. The second
// return value is false only for a transient ledger failure: that result
// fails open (eligible=true) but is never cached, so the next round tries
// the lookup again instead of being stuck either way.
func (r *Roster) passesSybilCheck(ctx context.Context, account string) (eligible, cacheable bool) {
	acc, err := r.ledger.GetAccount(ctx, account)
	if err != nil {
		log.Printf("[roster] account lookup %s: %v", account, err)
		return true, false
	}
	created, err := time.Parse("2006-01-02T15:04:05", acc.Created)
	if err != nil {
		return false, true
	}
	if time.Since(created) < minAccountAgeDays*24*time.Hour {
		return false, true
	}
	if ledger.Reputation(acc.Reputation) < r.minReputation {
		return false, true
	}
	return true, true
}
