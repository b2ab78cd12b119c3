// Package autopin periodically mirrors popular content into the local
// block store so the agent has more to prove custody of, bounded by a
// quota so a single cycle cannot fill the disk.
package autopin

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	cycleInterval   = 5 * time.Minute
	popularityLimit = 20
	maxPinsPerCycle = 3
	maxTotalEntries = 100
)

// Pinner is the subset of the block-store client autopin needs. RepoStat
// gives the daemon-wide usage figure used to estimate how many bytes this
// component has contributed, since the API has no per-CID size endpoint.
type Pinner interface {
	PinLs(ctx context.Context) ([]string, error)
	PinAdd(ctx context.Context, cid string) error
	RepoStat(ctx context.Context) (usedBytes, storageMaxBytes int64, err error)
}

// PopularityClient fetches the externally-ranked list of popular CIDs.
type PopularityClient struct {
	endpoint string
	http     *http.Client
}

// NewPopularityClient returns a client against the popularity endpoint URL.
func NewPopularityClient(endpoint string) *PopularityClient {
	return &PopularityClient{endpoint: endpoint, http: &http.Client{Timeout: 10 * time.Second}}
}

// popularityEntry is the fixed schema the popularity endpoint returns per
// CID: its activity and storage footprint across the network.
type popularityEntry struct {
	CID             string `json:"cid"`
	ActivePeers     int    `json:"activePeers"`
	TotalBytesShared int64 `json:"totalBytesShared"`
}

// Top returns up to popularityLimit popular CIDs, in the order the endpoint
// lists them; the entries are not re-sorted here.
func (c *PopularityClient) Top(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("autopin: build popularity request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("autopin: popularity request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("autopin: popularity endpoint status %d", resp.StatusCode)
	}

	var entries []popularityEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("autopin: decode popularity response: %w", err)
	}
	if len(entries) > popularityLimit {
		entries = entries[:popularityLimit]
	}
	cids := make([]string, len(entries))
	for i, e := range entries {
		cids[i] = e.CID
	}
	return cids, nil
}

// AutoPinner mirrors popular content on a bounded schedule: at most
// maxTotalEntries CIDs, and no more than maxGB gigabytes (1e9 bytes each),
// estimated from the repo-wide usage delta each cycle contributes.
type AutoPinner struct {
	store      Pinner
	popularity *PopularityClient
	maxGB      float64

	entries     map[string]struct{}
	pinnedBytes int64
}

// New constructs an AutoPinner. maxGB is the quota from the autoPinMaxGB
// configuration option; 0 means unlimited.
func New(store Pinner, popularity *PopularityClient, maxGB float64) *AutoPinner {
	return &AutoPinner{
		store:      store,
		popularity: popularity,
		maxGB:      maxGB,
		entries:    make(map[string]struct{}),
	}
}

// RunLoop runs one cycle immediately, then every 5 minutes until ctx is
// cancelled.
func (a *AutoPinner) RunLoop(ctx context.Context) {
	a.runCycle(ctx)
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

func (a *AutoPinner) runCycle(ctx context.Context) {
	if len(a.entries) >= maxTotalEntries {
		return
	}
	if a.maxGB > 0 && float64(a.pinnedBytes) >= a.maxGB*1e9 {
		return
	}

	popular, err := a.popularity.Top(ctx)
	if err != nil {
		log.Printf("[autopin] fetch popularity list: %v", err)
		return
	}
	a.runCycleWithList(ctx, popular)
}

// runCycleWithList applies one pinning cycle over an already-fetched
// candidate list, separated from runCycle so the pinning and quota logic
// can be exercised without a live popularity endpoint.
func (a *AutoPinner) runCycleWithList(ctx context.Context, popular []string) {
	alreadyPinned, err := a.store.PinLs(ctx)
	if err != nil {
		log.Printf("[autopin] pin/ls: %v", err)
		return
	}
	pinnedSet := make(map[string]struct{}, len(alreadyPinned))
	for _, cid := range alreadyPinned {
		pinnedSet[cid] = struct{}{}
	}

	usedBefore, _, err := a.store.RepoStat(ctx)
	if err != nil {
		log.Printf("[autopin] repo/stat: %v", err)
		usedBefore = 0
	}

	pinnedThisCycle := 0
	for _, cid := range popular {
		if pinnedThisCycle >= maxPinsPerCycle {
			break
		}
		if _, exists := pinnedSet[cid]; exists {
			continue
		}
		if len(a.entries) >= maxTotalEntries {
			break
		}
		if a.maxGB > 0 && float64(a.pinnedBytes) >= a.maxGB*1e9 {
			break
		}
		if err := a.store.PinAdd(ctx, cid); err != nil {
			log.Printf("[autopin] pin %s: %v", cid, err)
			continue
		}
		a.entries[cid] = struct{}{}
		pinnedThisCycle++
	}

	if pinnedThisCycle > 0 {
		if usedAfter, _, err := a.store.RepoStat(ctx); err == nil && usedAfter > usedBefore {
			a.pinnedBytes += usedAfter - usedBefore
		}
	}
}
