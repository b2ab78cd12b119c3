package autopin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePinner struct {
	pinned  map[string]bool
	used    int64
	addErrs map[string]error
}

func newFakePinner() *fakePinner {
	return &fakePinner{pinned: map[string]bool{}, addErrs: map[string]error{}}
}

func (f *fakePinner) PinLs(ctx context.Context) ([]string, error) {
	var out []string
	for cid, ok := range f.pinned {
		if ok {
			out = append(out, cid)
		}
	}
	return out, nil
}

func (f *fakePinner) PinAdd(ctx context.Context, cid string) error {
	if err, ok := f.addErrs[cid]; ok {
		return err
	}
	f.pinned[cid] = true
	f.used += 1000
	return nil
}

func (f *fakePinner) RepoStat(ctx context.Context) (int64, int64, error) {
	return f.used, 0, nil
}

func TestRunCyclePinsUpToThreeNewCIDs(t *testing.T) {
	store := newFakePinner()
	cids := make([]string, 5)
	for i := range cids {
		cids[i] = "cid" + string(rune('a'+i))
	}

	a := &AutoPinner{store: store, entries: map[string]struct{}{}}
	a.runCycleWithList(context.Background(), cids)

	require.Len(t, a.entries, maxPinsPerCycle)
}

func TestRunCycleSkipsAlreadyPinned(t *testing.T) {
	store := newFakePinner()
	store.pinned["existing"] = true
	a := &AutoPinner{store: store, entries: map[string]struct{}{}}
	a.runCycleWithList(context.Background(), []string{"existing", "new1"})

	require.Contains(t, a.entries, "new1")
	require.NotContains(t, a.entries, "existing")
}

func TestRunCycleStopsAtMaxTotalEntries(t *testing.T) {
	store := newFakePinner()
	a := &AutoPinner{store: store, entries: map[string]struct{}{}}
	for i := 0; i < maxTotalEntries; i++ {
		a.entries[string(rune(i))] = struct{}{}
	}
	a.runCycleWithList(context.Background(), []string{"overflow"})
	require.Len(t, a.entries, maxTotalEntries)
}

func TestRunCycleSkipsWhenByteQuotaAlreadyReached(t *testing.T) {
	store := newFakePinner()
	// pinnedBytes already at the quota from a prior cycle; this cycle
	// must pin nothing more.
	a := &AutoPinner{store: store, entries: map[string]struct{}{}, maxGB: 1000.0 / 1e9, pinnedBytes: 1000}
	a.runCycleWithList(context.Background(), []string{"first", "second"})

	require.Empty(t, a.entries)
}

func TestRunCycleRecordsPinnedBytesDelta(t *testing.T) {
	store := newFakePinner()
	a := &AutoPinner{store: store, entries: map[string]struct{}{}, maxGB: 10000.0 / 1e9}
	a.runCycleWithList(context.Background(), []string{"first"})

	require.Equal(t, int64(1000), a.pinnedBytes)
}

func TestTopTruncatesToPopularityLimit(t *testing.T) {
	entries := make([]popularityEntry, popularityLimit+5)
	for i := range entries {
		entries[i] = popularityEntry{CID: "cid", ActivePeers: i, TotalBytesShared: int64(i)}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(entries)
	}))
	defer srv.Close()

	c := NewPopularityClient(srv.URL)
	cids, err := c.Top(context.Background())
	require.NoError(t, err)
	require.Len(t, cids, popularityLimit)
}

func TestTopPropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewPopularityClient(srv.URL)
	_, err := c.Top(context.Background())
	require.Error(t, err)
}
