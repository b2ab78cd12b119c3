package roster

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"strconv"
	"time"

	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/crypto"
	"github.com/dhenz14/hivepoa/ledger"
	"github.com/dhenz14/hivepoa/storage"
)

// scanCursorKey is where the roster persists the last ledger block it has
// already scanned for node_announce ops, so a restart resumes instead of
// re-walking the whole chain.
var scanCursorKey = []byte("roster/scan_cursor")

const (
	scanInterval      = 60 * time.Second
	scanJitter        = 30 * time.Second
	initialLookback   = 100
	scanBatchMax      = 30
	selfAnnounceEvery = time.Hour

	nodeAnnounceID = "node_announce"
)

// nodeAnnounce is the bit-exact payload shape of a "node_announce" custom
// op. The announcing account itself is not part of the payload: it comes
// from the op's required_posting_auths, the ledger's own attestation of
// who broadcast it.
type nodeAnnounce struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	Version   string `json:"version"`
	StorageGB int64  `json:"storageGB"`
	PinCount  int    `json:"pinCount"`
	Timestamp int64  `json:"timestamp"`
}

// ScanLoop periodically walks new ledger blocks looking for node_announce
// ops and upserts the roster. It runs until ctx is cancelled.
func (r *Roster) ScanLoop(ctx context.Context) {
	r.scanOnce(ctx)
	for {
		jitter := time.Duration(rand.Int63n(int64(2 * scanJitter))) - scanJitter
		select {
		case <-ctx.Done():
			return
		case <-time.After(scanInterval + jitter):
			r.scanOnce(ctx)
			r.Prune()
		}
	}
}

func (r *Roster) scanOnce(ctx context.Context) {
	from, err := r.loadCursor()
	if err != nil {
		head, herr := r.ledger.GetHeadBlock(ctx)
		if herr != nil {
			log.Printf("[roster] scan: get head block: %v", herr)
			return
		}
		from = head.Number - initialLookback
		if from < 0 {
			from = 0
		}
	}

	head, err := r.ledger.GetHeadBlock(ctx)
	if err != nil {
		log.Printf("[roster] scan: get head block: %v", err)
		return
	}
	count := int(head.Number - from)
	if count <= 0 {
		return
	}
	if count > scanBatchMax {
		count = scanBatchMax
	}

	blocks, err := r.ledger.GetBlockRange(ctx, from, count)
	if err != nil {
		log.Printf("[roster] scan: range read from %d: %v", from, err)
		r.scanFallbackSingle(ctx, from)
		return
	}
	for _, b := range blocks {
		r.scanBlockForAnnouncements(b)
	}
	r.saveCursor(from + int64(len(blocks)))
}

// scanFallbackSingle runs when a range read fails: it reads only the first
// block of the window with a single-block call and advances the cursor past
// that one block, leaving the rest of the window to later cycles.
func (r *Roster) scanFallbackSingle(ctx context.Context, from int64) {
	b, err := r.ledger.GetBlock(ctx, from)
	if err != nil {
		log.Printf("[roster] scan fallback: block %d: %v", from, err)
		return
	}
	r.scanBlockForAnnouncements(b)
	r.saveCursor(from + 1)
}

// scanBlockForAnnouncements walks every operation of every transaction in
// b looking for signed node_announce custom ops and upserts the roster for
// each one found. Authentication is the ledger's own: an operation only
// exists in a fetched block because it was already included by consensus,
// so the posting authority listed on the operation is trusted without a
// redundant app-level signature check.
func (r *Roster) scanBlockForAnnouncements(b ledger.Block) {
	for _, tx := range b.Transactions {
		for _, op := range tx.Operations {
			if op.ID != nodeAnnounceID {
				continue
			}
			if len(op.RequiredPostingAuths) == 0 {
				continue
			}
			var ann nodeAnnounce
			if err := json.Unmarshal([]byte(op.JSON), &ann); err != nil {
				log.Printf("[roster] scan: decode %s payload: %v", nodeAnnounceID, err)
				continue
			}
			if ann.Type != "announce" {
				continue
			}
			for _, account := range op.RequiredPostingAuths {
				r.Upsert(account, ann.PeerID, ann.Version, ann.StorageGB, ann.PinCount)
			}
		}
	}
}

func (r *Roster) loadCursor() (int64, error) {
	v, err := r.store.Get(scanCursorKey)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, storage.ErrNotFound
	}
	return n, nil
}

func (r *Roster) saveCursor(n int64) {
	if err := r.store.Set(scanCursorKey, []byte(strconv.FormatInt(n, 10))); err != nil {
		log.Printf("[roster] save scan cursor: %v", err)
	}
}

// SelfAnnounceLoop broadcasts a node_announce op for this agent on start and
// every hour afterward, reporting the current pin count at each tick since
// it drifts over the agent's lifetime.
func SelfAnnounceLoop(ctx context.Context, l *ledger.Client, bs *blockstore.Client, account, peerID, version string, storageGB int64, priv crypto.PrivateKey) {
	announce := func() {
		pinCount := 0
		if list, err := bs.PinLs(ctx); err != nil {
			log.Printf("[roster] self-announce: pin/ls: %v", err)
		} else {
			pinCount = len(list)
		}
		payload, err := json.Marshal(nodeAnnounce{
			Type:      "announce",
			PeerID:    peerID,
			Version:   version,
			StorageGB: storageGB,
			PinCount:  pinCount,
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			log.Printf("[roster] marshal self-announce: %v", err)
			return
		}
		op := ledger.CustomOp{ID: nodeAnnounceID, Account: account, Payload: payload}
		if err := l.Broadcast(ctx, op, priv); err != nil {
			log.Printf("[roster] self-announce broadcast: %v", err)
		}
	}

	announce()
	ticker := time.NewTicker(selfAnnounceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}
