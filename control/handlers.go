package control

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/julienschmidt/httprouter"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dhenz14/hivepoa/config"
)

type statusResponse struct {
	PeerID         string           `json:"peerId"`
	StorageUsed    int64            `json:"storageUsedBytes"`
	StorageMax     int64            `json:"storageMaxBytes"`
	BandwidthIn    int64            `json:"bandwidthInBytes"`
	BandwidthOut   int64            `json:"bandwidthOutBytes"`
	PeerCount      int              `json:"peerCount"`
	ValidatorStats validatorStats   `json:"validatorStats"`
	Earnings       map[string]int64 `json:"earnings"`
	Process        processStats     `json:"process"`
}

type processStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// readProcessStats reports this agent's own resource footprint, the same
// way the teacher's peer health check samples its own process rather than
// relying on the OS-reported numbers the control surface's caller can't
// otherwise see.
func readProcessStats() processStats {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return processStats{}
	}
	cpuPct, _ := proc.CPUPercent()
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return processStats{CPUPercent: cpuPct}
	}
	return processStats{CPUPercent: cpuPct, RSSBytes: mem.RSS}
}

type validatorStats struct {
	Issued   int64 `json:"issued"`
	Passed   int64 `json:"passed"`
	Failed   int64 `json:"failed"`
	Timeouts int64 `json:"timeouts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	peerID := ""
	if s.store != nil {
		if id, err := s.store.ID(ctx); err == nil {
			peerID = id
		}
	}

	var usedBytes, maxBytes int64
	if s.store != nil {
		usedBytes, maxBytes, _ = s.store.RepoStat(ctx)
	}

	var bwIn, bwOut int64
	if s.store != nil {
		bwIn, bwOut, _ = s.store.BandwidthStats(ctx)
	}

	peerCount := 0
	if s.roster != nil {
		peerCount = s.roster.Len()
	}

	var vstats validatorStats
	if s.validator != nil {
		st := s.validator.Stats()
		vstats = validatorStats{Issued: st.Issued, Passed: st.Passed, Failed: st.Failed, Timeouts: st.Timeouts}
	}

	earnings := map[string]int64{}
	if s.history != nil {
		e := s.history.Earnings()
		earnings = map[string]int64{
			"totalCredits":           e.TotalCredits,
			"challengesPassed":       e.ChallengesPassed,
			"challengesFailed":       e.ChallengesFailed,
			"consecutivePasses":      e.ConsecutivePasses,
			"lastChallengeTimestamp": e.LastChallengeTimestamp,
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		PeerID:         peerID,
		StorageUsed:    usedBytes,
		StorageMax:     maxBytes,
		BandwidthIn:    bwIn,
		BandwidthOut:   bwOut,
		PeerCount:      peerCount,
		ValidatorStats: vstats,
		Earnings:       earnings,
		Process:        readProcessStats(),
	})
}

// handleGetConfig returns the current configuration. The posting key is
// never part of config.Config, so there is nothing to redact.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.cfg)
}

// handlePutConfig applies a partial update: only fields present in the
// request body are overwritten, and the merged result is validated before
// being accepted or persisted.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	merged := *s.cfg
	current, err := json.Marshal(merged)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal current config: "+err.Error())
		return
	}
	var currentMap map[string]json.RawMessage
	if err := json.Unmarshal(current, &currentMap); err != nil {
		writeError(w, http.StatusInternalServerError, "unmarshal current config: "+err.Error())
		return
	}
	for k, v := range patch {
		currentMap[k] = v
	}
	mergedBytes, err := json.Marshal(currentMap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "remarshal config: "+err.Error())
		return
	}

	var next config.Config
	if err := json.Unmarshal(mergedBytes, &next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config fields: "+err.Error())
		return
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "config validation: "+err.Error())
		return
	}

	if err := config.Save(&next, s.cfgPath); err != nil {
		writeError(w, http.StatusInternalServerError, "save config: "+err.Error())
		return
	}
	*s.cfg = next
	writeJSON(w, http.StatusOK, s.cfg)
}

type cidRequest struct {
	CID string `json:"cid"`
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req cidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CID == "" {
		writeError(w, http.StatusBadRequest, "cid is required")
		return
	}
	if err := s.store.PinAdd(r.Context(), req.CID); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("pin/add: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cid": req.CID, "status": "pinned"})
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req cidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CID == "" {
		writeError(w, http.StatusBadRequest, "cid is required")
		return
	}
	if err := s.store.PinRm(r.Context(), req.CID); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("pin/rm: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cid": req.CID, "status": "unpinned"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	blob, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	cid, err := s.store.Add(r.Context(), header.Filename, blob)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("add: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cid": cid})
}
