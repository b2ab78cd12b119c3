package history

import (
	"path/filepath"
	"testing"

	"github.com/dhenz14/hivepoa/events"
	"github.com/dhenz14/hivepoa/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestChallengePassedIncrementsEarnings(t *testing.T) {
	emitter := events.NewEmitter()
	h := New(testutil.NewMemDB(), "", emitter)

	emitter.Emit(events.Event{
		Type:      events.EventChallengePassed,
		Timestamp: 1000,
		Data:      map[string]any{"cid": "bafabc", "validator": "val1", "elapsedMs": int64(120)},
	})

	e := h.Earnings()
	require.Equal(t, int64(1), e.ChallengesPassed)
	require.Equal(t, int64(1), e.ConsecutivePasses)
	require.Equal(t, int64(1), e.TotalCredits)
	require.Equal(t, int64(1000), e.LastChallengeTimestamp)
}

func TestChallengeFailedResetsConsecutivePasses(t *testing.T) {
	emitter := events.NewEmitter()
	h := New(testutil.NewMemDB(), "", emitter)

	emitter.Emit(events.Event{Type: events.EventChallengePassed, Timestamp: 1, Data: map[string]any{}})
	emitter.Emit(events.Event{Type: events.EventChallengePassed, Timestamp: 2, Data: map[string]any{}})
	emitter.Emit(events.Event{Type: events.EventChallengeFailed, Timestamp: 3, Data: map[string]any{}})

	e := h.Earnings()
	require.Equal(t, int64(2), e.ChallengesPassed)
	require.Equal(t, int64(1), e.ChallengesFailed)
	require.Equal(t, int64(0), e.ConsecutivePasses)
}

func TestRecentReturnsNewestFirstBoundedToRingSize(t *testing.T) {
	emitter := events.NewEmitter()
	h := New(testutil.NewMemDB(), "", emitter)

	for i := 0; i < ringMaxSize+10; i++ {
		emitter.Emit(events.Event{
			Type:      events.EventChallengePassed,
			Timestamp: int64(i),
			Data:      map[string]any{"cid": "baf", "validator": "v"},
		})
	}

	recent := h.Recent()
	require.Len(t, recent, ringMaxSize)
	require.Equal(t, int64(ringMaxSize+9), recent[0].Timestamp)
}

func TestEarningsPersistAcrossReload(t *testing.T) {
	db := testutil.NewMemDB()
	earningsPath := filepath.Join(t.TempDir(), "earnings.json")
	emitter := events.NewEmitter()
	h := New(db, earningsPath, emitter)
	emitter.Emit(events.Event{Type: events.EventChallengePassed, Timestamp: 5, Data: map[string]any{}})

	h2 := New(db, earningsPath, events.NewEmitter())
	e := h2.Earnings()
	require.Equal(t, int64(1), e.ChallengesPassed)
	require.Equal(t, int64(1), e.TotalCredits)
}

func TestRingPersistsAcrossReload(t *testing.T) {
	db := testutil.NewMemDB()
	emitter := events.NewEmitter()
	h := New(db, "", emitter)
	emitter.Emit(events.Event{
		Type:      events.EventChallengePassed,
		Timestamp: 7,
		Data:      map[string]any{"cid": "bafxyz", "validator": "v1"},
	})

	h2 := New(db, "", events.NewEmitter())
	recent := h2.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, "bafxyz", recent[0].CID)
}
