package control

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dhenz14/hivepoa/blockstore"
	agentconfig "github.com/dhenz14/hivepoa/config"
	"github.com/dhenz14/hivepoa/crypto"
)

func newTestBlockstore(t *testing.T) *blockstore.Client {
	pinned := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/id":
			_ = json.NewEncoder(w).Encode(map[string]string{"ID": "peer123"})
		case "/repo/stat":
			_ = json.NewEncoder(w).Encode(map[string]int64{"RepoSize": 1000, "StorageMax": 5000})
		case "/stats/bw":
			_ = json.NewEncoder(w).Encode(map[string]int64{"TotalIn": 10, "TotalOut": 20})
		case "/pin/add":
			pinned[r.URL.Query().Get("arg")] = true
		case "/pin/rm":
			delete(pinned, r.URL.Query().Get("arg"))
		case "/add":
			_ = json.NewEncoder(w).Encode(map[string]string{"Hash": "bafuploaded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return blockstore.New(srv.URL)
}

func newTestConfig(t *testing.T) (*agentconfig.Config, string) {
	cfg := agentconfig.DefaultConfig()
	cfg.Username = "alice"
	cfg.LedgerNodes = []string{"https://n1", "https://n2", "https://n3"}
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, agentconfig.Save(cfg, path))
	return cfg, path
}

func TestHandleStatusReturnsAggregatedFields(t *testing.T) {
	cfg, path := newTestConfig(t)
	store := newTestBlockstore(t)
	s := New(cfg, path, nil, "", Deps{Store: store})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "peer123", resp.PeerID)
	require.Equal(t, int64(1000), resp.StorageUsed)
	require.Equal(t, int64(5000), resp.StorageMax)
}

func TestHandleGetConfigReturnsCurrentConfig(t *testing.T) {
	cfg, path := newTestConfig(t)
	s := New(cfg, path, nil, "", Deps{})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	s.handleGetConfig(w, req, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "\"username\":\"alice\"")
}

func TestHandlePutConfigAppliesValidPartialUpdate(t *testing.T) {
	cfg, path := newTestConfig(t)
	s := New(cfg, path, nil, "", Deps{})

	body := bytes.NewBufferString(`{"storageMaxGB": 200}`)
	req := httptest.NewRequest(http.MethodPut, "/config", body)
	w := httptest.NewRecorder()
	s.handlePutConfig(w, req, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 200, cfg.StorageMaxGB)

	reloaded, err := agentconfig.Load(path)
	require.NoError(t, err)
	require.Equal(t, 200, reloaded.StorageMaxGB)
}

func TestHandlePutConfigRejectsInvalidField(t *testing.T) {
	cfg, path := newTestConfig(t)
	s := New(cfg, path, nil, "", Deps{})

	body := bytes.NewBufferString(`{"apiPort": 99999}`)
	req := httptest.NewRequest(http.MethodPut, "/config", body)
	w := httptest.NewRecorder()
	s.handlePutConfig(w, req, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePinAndUnpin(t *testing.T) {
	cfg, path := newTestConfig(t)
	store := newTestBlockstore(t)
	s := New(cfg, path, nil, "", Deps{Store: store})

	body := bytes.NewBufferString(`{"cid": "baf123"}`)
	req := httptest.NewRequest(http.MethodPost, "/pin", body)
	w := httptest.NewRecorder()
	s.handlePin(w, req, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body = bytes.NewBufferString(`{"cid": "baf123"}`)
	req = httptest.NewRequest(http.MethodPost, "/unpin", body)
	w = httptest.NewRecorder()
	s.handleUnpin(w, req, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePinRejectsMissingCID(t *testing.T) {
	cfg, path := newTestConfig(t)
	s := New(cfg, path, nil, "", Deps{Store: newTestBlockstore(t)})

	req := httptest.NewRequest(http.MethodPost, "/pin", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	s.handlePin(w, req, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUploadStoresMultipartFile(t *testing.T) {
	cfg, path := newTestConfig(t)
	store := newTestBlockstore(t)
	s := New(cfg, path, nil, "", Deps{Store: store})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello world"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.handleUpload(w, req, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "bafuploaded")
}

func TestAuthChallengeLoginRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg, path := newTestConfig(t)
	s := New(cfg, path, priv, "", Deps{})

	req := httptest.NewRequest(http.MethodPost, "/auth/challenge", nil)
	w := httptest.NewRecorder()
	s.handleAuthChallenge(w, req, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var ch challengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	require.NotEmpty(t, ch.Nonce)

	sig := crypto.Sign(priv, []byte(ch.Nonce))
	loginBody, _ := json.Marshal(loginRequest{Nonce: ch.Nonce, Signature: sig})
	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(loginBody))
	w = httptest.NewRecorder()
	s.handleAuthLogin(w, req, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var lr loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lr))
	require.NotEmpty(t, lr.Token)
	require.True(t, s.auth.validSession(lr.Token))
}

func TestAuthLoginRejectsReplayedNonce(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg, path := newTestConfig(t)
	s := New(cfg, path, priv, "", Deps{})

	nonce, _ := s.auth.issueChallenge()
	sig := crypto.Sign(priv, []byte(nonce))
	loginBody, _ := json.Marshal(loginRequest{Nonce: nonce, Signature: sig})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(loginBody))
	w := httptest.NewRecorder()
	s.handleAuthLogin(w, req, nil)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(loginBody))
	w = httptest.NewRecorder()
	s.handleAuthLogin(w, req, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthRejectsWithoutToken(t *testing.T) {
	cfg, path := newTestConfig(t)
	s := New(cfg, path, nil, "secret-token", Deps{})

	req := httptest.NewRequest(http.MethodPut, "/config", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	handler := s.requireAuth(s.handlePutConfig)
	handler(w, req, nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthAcceptsStaticToken(t *testing.T) {
	cfg, path := newTestConfig(t)
	s := New(cfg, path, nil, "secret-token", Deps{})

	req := httptest.NewRequest(http.MethodPut, "/config", bytes.NewBufferString(`{"storageMaxGB": 10}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	handler := s.requireAuth(s.handlePutConfig)
	handler(w, req, nil)

	require.Equal(t, http.StatusOK, w.Code)
}
