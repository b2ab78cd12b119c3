package roster

import (
	"context"
	"testing"
	"time"

	"github.com/dhenz14/hivepoa/internal/testutil"
	"github.com/stretchr/testify/require"
)

func newTestRoster(t *testing.T) *Roster {
	db := testutil.NewMemDB()
	r := New(nil, db, nil, "self", 25, 2*time.Hour)
	t.Cleanup(r.Close)
	return r
}

func TestLenCountsTrackedPeers(t *testing.T) {
	r := newTestRoster(t)
	r.peers["alice"] = &Peer{Account: "alice", LastAnnouncedAt: time.Now()}
	require.Equal(t, 1, r.Len())
}

func TestPruneRemovesStalePeers(t *testing.T) {
	r := newTestRoster(t)
	r.mu.Lock()
	r.peers["stale"] = &Peer{Account: "stale", LastAnnouncedAt: time.Now().Add(-5 * time.Hour)}
	r.peers["fresh"] = &Peer{Account: "fresh", LastAnnouncedAt: time.Now()}
	r.mu.Unlock()

	r.Prune()
	require.Equal(t, 1, r.Len())
	_, ok := r.peers["fresh"]
	require.True(t, ok)
}

func TestSelectRandomPeerNoneEligible(t *testing.T) {
	r := newTestRoster(t)
	r.sybilCache.Add("bob", false)
	r.mu.Lock()
	r.peers["bob"] = &Peer{Account: "bob", Reputation: 50, LastAnnouncedAt: time.Now()}
	r.mu.Unlock()

	_, err := r.SelectRandomPeer(context.Background())
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestSelectRandomPeerUsesCachedEligibility(t *testing.T) {
	r := newTestRoster(t)
	r.sybilCache.Add("carol", true)
	r.mu.Lock()
	r.peers["carol"] = &Peer{Account: "carol", Reputation: 50, LastAnnouncedAt: time.Now()}
	r.mu.Unlock()

	p, err := r.SelectRandomPeer(context.Background())
	require.NoError(t, err)
	require.Equal(t, "carol", p.Account)
}

func TestSelectRandomPeerExcludesSelf(t *testing.T) {
	r := newTestRoster(t)
	r.sybilCache.Add("self", true)
	r.mu.Lock()
	r.peers["self"] = &Peer{Account: "self", Reputation: 99, LastAnnouncedAt: time.Now()}
	r.mu.Unlock()

	_, err := r.SelectRandomPeer(context.Background())
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestSelectRandomPeerRespectsChallengeCooldown(t *testing.T) {
	r := newTestRoster(t)
	r.sybilCache.Add("dave", true)
	r.mu.Lock()
	r.peers["dave"] = &Peer{
		Account:          "dave",
		Reputation:       50,
		LastAnnouncedAt:  time.Now(),
		LastChallengedAt: time.Now(),
	}
	r.mu.Unlock()

	_, err := r.SelectRandomPeer(context.Background())
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestMarkChallengedThenRecordResult(t *testing.T) {
	r := newTestRoster(t)
	r.peers["erin"] = &Peer{Account: "erin", LastAnnouncedAt: time.Now()}

	r.MarkChallenged("erin")
	r.RecordResult("erin", true)

	r.mu.RLock()
	p := r.peers["erin"]
	r.mu.RUnlock()
	require.False(t, p.LastChallengedAt.IsZero())
	require.EqualValues(t, 1, p.PassCount)
}
