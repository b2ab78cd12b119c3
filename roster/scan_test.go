package roster

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/internal/testutil"
	"github.com/dhenz14/hivepoa/ledger"
	"github.com/stretchr/testify/require"
)

func newTestRosterWithSwarm(t *testing.T) *Roster {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	db := testutil.NewMemDB()
	r := New(nil, db, blockstore.New(srv.URL), "self", 25, 2*time.Hour)
	t.Cleanup(r.Close)
	return r
}

func announceOp(account, payload string) ledger.Transaction {
	return ledger.Transaction{
		Operations: []ledger.Operation{{
			Type:                 "custom_json",
			RequiredPostingAuths: []string{account},
			ID:                   nodeAnnounceID,
			JSON:                 payload,
		}},
	}
}

func TestScanBlockForAnnouncementsUpsertsPeer(t *testing.T) {
	r := newTestRosterWithSwarm(t)
	block := ledger.Block{
		Number: 1,
		Transactions: []ledger.Transaction{
			announceOp("bob", `{"type":"announce","peerId":"12D3KooWBob","version":"2.0.0","storageGB":50,"pinCount":3,"timestamp":1000}`),
		},
	}

	r.scanBlockForAnnouncements(block)

	require.Equal(t, 1, r.Len())
	r.mu.RLock()
	p := r.peers["bob"]
	r.mu.RUnlock()
	require.NotNil(t, p)
	require.Equal(t, "12D3KooWBob", p.PeerID)
	require.Equal(t, "2.0.0", p.Version)
	require.EqualValues(t, 50, p.DeclaredStorageGB)
	require.Equal(t, 3, p.PinCount)
}

func TestScanBlockForAnnouncementsIgnoresOtherOpIDs(t *testing.T) {
	r := newTestRosterWithSwarm(t)
	block := ledger.Block{
		Transactions: []ledger.Transaction{{
			Operations: []ledger.Operation{{
				Type:                 "custom_json",
				RequiredPostingAuths: []string{"bob"},
				ID:                   "poa_result",
				JSON:                 `{"type":"announce","peerId":"x"}`,
			}},
		}},
	}

	r.scanBlockForAnnouncements(block)
	require.Equal(t, 0, r.Len())
}

func TestScanBlockForAnnouncementsRequiresTypeDiscriminator(t *testing.T) {
	r := newTestRosterWithSwarm(t)
	block := ledger.Block{
		Transactions: []ledger.Transaction{
			announceOp("bob", `{"peerId":"12D3KooWBob","version":"2.0.0","storageGB":50,"pinCount":3,"timestamp":1000}`),
		},
	}

	r.scanBlockForAnnouncements(block)
	require.Equal(t, 0, r.Len())
}

func TestScanBlockForAnnouncementsIgnoresSelf(t *testing.T) {
	r := newTestRosterWithSwarm(t)
	block := ledger.Block{
		Transactions: []ledger.Transaction{
			announceOp("self", `{"type":"announce","peerId":"x","version":"2.0.0","storageGB":1,"pinCount":0,"timestamp":1000}`),
		},
	}

	r.scanBlockForAnnouncements(block)
	require.Equal(t, 0, r.Len())
}

func TestScanBlockForAnnouncementsSkipsUnauthenticatedOps(t *testing.T) {
	r := newTestRosterWithSwarm(t)
	block := ledger.Block{
		Transactions: []ledger.Transaction{{
			Operations: []ledger.Operation{{
				ID:   nodeAnnounceID,
				JSON: `{"type":"announce","peerId":"x"}`,
			}},
		}},
	}

	r.scanBlockForAnnouncements(block)
	require.Equal(t, 0, r.Len())
}
