// Package history maintains the recent-result ring and the persistent
// earnings counters that the control surface reports under /status. It
// subscribes to the in-process event bus rather than being called
// directly, the same way the teacher's indexer kept secondary indexes in
// sync with chain events.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/dhenz14/hivepoa/events"
	"github.com/dhenz14/hivepoa/storage"
)

const (
	ringKey     = "history:ring"
	ringMaxSize = 50
)

// Earnings are the cumulative counters reported by the control surface.
// Fields match the wire schema exactly; reordering or renaming them would
// change the JSON persisted to earnings.json.
type Earnings struct {
	TotalCredits           int64 `json:"totalCredits"`
	ChallengesPassed       int64 `json:"challengesPassed"`
	ChallengesFailed       int64 `json:"challengesFailed"`
	ConsecutivePasses      int64 `json:"consecutivePasses"`
	LastChallengeTimestamp int64 `json:"lastChallengeTimestamp"`
}

// Result is one entry in the recent-result ring: just enough to render a
// status feed without re-deriving it from raw events.
type Result struct {
	Peer      string `json:"peer"`
	CID       string `json:"cid"`
	Outcome   string `json:"outcome"`
	LatencyMs int64  `json:"latencyMs"`
	Timestamp int64  `json:"timestamp"`
}

// History tracks earnings and a bounded ring of recent challenge results.
// Earnings persist to a standalone JSON file (flock-guarded, matching the
// config file's read-modify-write discipline); the ring persists in the
// same LevelDB-backed store as the roster's scan cursor and Sybil cache.
type History struct {
	db            storage.DB
	earningsPath  string

	mu       sync.Mutex
	earnings Earnings
	ring     []Result
}

// New loads any persisted earnings/ring state and subscribes to the
// events that drive earnings/history updates. earningsPath is the path to
// earnings.json; an empty path disables persistence (useful in tests).
func New(db storage.DB, earningsPath string, emitter *events.Emitter) *History {
	h := &History{db: db, earningsPath: earningsPath}
	if e, err := h.loadEarnings(); err == nil {
		h.earnings = e
	}
	if ring, err := h.loadRing(); err == nil {
		h.ring = ring
	}
	emitter.Subscribe(events.EventChallengePassed, h.onChallengePassed)
	emitter.Subscribe(events.EventChallengeFailed, h.onChallengeFailed)
	emitter.Subscribe(events.EventChallengeTimeout, h.onChallengeTimeout)
	return h
}

// Earnings returns a snapshot of the current counters.
func (h *History) Earnings() Earnings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.earnings
}

// Recent returns up to ringMaxSize most recent results, newest first.
func (h *History) Recent() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Result, len(h.ring))
	for i, r := range h.ring {
		out[len(h.ring)-1-i] = r
	}
	return out
}

func (h *History) onChallengePassed(ev events.Event) {
	h.record(ev, "pass", true)
}

func (h *History) onChallengeFailed(ev events.Event) {
	h.record(ev, "fail", false)
}

func (h *History) onChallengeTimeout(ev events.Event) {
	h.record(ev, "timeout", false)
}

// creditsPerPass is the fixed reward credited for each challenge the
// responder answers successfully. The wire protocol carries no reward
// amount of its own, so this is a local accounting convention rather than
// something read off the network.
const creditsPerPass = 1

func (h *History) record(ev events.Event, outcome string, passed bool) {
	peer, _ := ev.Data["validator"].(string)
	cid, _ := ev.Data["cid"].(string)
	latencyMs, _ := ev.Data["elapsedMs"].(int64)

	h.mu.Lock()
	if passed {
		h.earnings.ChallengesPassed++
		h.earnings.ConsecutivePasses++
		h.earnings.TotalCredits += creditsPerPass
	} else {
		h.earnings.ChallengesFailed++
		h.earnings.ConsecutivePasses = 0
	}
	h.earnings.LastChallengeTimestamp = ev.Timestamp

	h.ring = append(h.ring, Result{
		Peer:      peer,
		CID:       cid,
		Outcome:   outcome,
		LatencyMs: latencyMs,
		Timestamp: ev.Timestamp,
	})
	if len(h.ring) > ringMaxSize {
		h.ring = h.ring[len(h.ring)-ringMaxSize:]
	}
	earningsSnapshot := h.earnings
	ringSnapshot := append([]Result(nil), h.ring...)
	h.mu.Unlock()

	// Persisted state lags the in-memory counters on write failure; the
	// next successful write catches up.
	_ = h.saveEarnings(earningsSnapshot)
	_ = h.saveRing(ringSnapshot)
}

func (h *History) loadEarnings() (Earnings, error) {
	if h.earningsPath == "" {
		return Earnings{}, nil
	}
	data, err := os.ReadFile(h.earningsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Earnings{}, nil
		}
		return Earnings{}, err
	}
	var e Earnings
	if err := json.Unmarshal(data, &e); err != nil {
		return Earnings{}, fmt.Errorf("history: unmarshal earnings: %w", err)
	}
	return e, nil
}

func (h *History) saveEarnings(e Earnings) error {
	if h.earningsPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal earnings: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lock := flock.New(h.earningsPath + ".lock")
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("history: acquire earnings lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("history: timed out acquiring earnings lock")
	}
	defer lock.Unlock()

	return os.WriteFile(h.earningsPath, data, 0600)
}

func (h *History) loadRing() ([]Result, error) {
	data, err := h.db.Get([]byte(ringKey))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ring []Result
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, fmt.Errorf("history: unmarshal ring: %w", err)
	}
	return ring, nil
}

func (h *History) saveRing(ring []Result) error {
	data, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("history: marshal ring: %w", err)
	}
	return h.db.Set([]byte(ringKey), data)
}
