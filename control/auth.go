package control

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/dhenz14/hivepoa/crypto"
)

const (
	challengeTTL   = 60 * time.Second
	sessionTTL     = 24 * time.Hour
	authRatePerMin = 5
)

type challengeEntry struct {
	nonce   string
	expires time.Time
}

// authState tracks in-flight login challenges, issued session tokens, and
// per-IP rate limiting for the /auth/* endpoints.
type authState struct {
	mu         sync.Mutex
	challenges map[string]challengeEntry // nonce -> entry, keyed by nonce itself
	sessions   map[string]time.Time      // token -> expiry
	limiters   map[string]*rate.Limiter
}

func newAuthState() *authState {
	return &authState{
		challenges: make(map[string]challengeEntry),
		sessions:   make(map[string]time.Time),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (a *authState) issueChallenge() (string, time.Time) {
	nonce := randomHex(16)
	expires := time.Now().Add(challengeTTL)
	a.mu.Lock()
	a.challenges[nonce] = challengeEntry{nonce: nonce, expires: expires}
	a.mu.Unlock()
	return nonce, expires
}

// consumeChallenge validates and removes a one-time challenge. A nonce can
// only ever be redeemed once, whether the login attempt succeeds or not.
func (a *authState) consumeChallenge(nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.challenges[nonce]
	if ok {
		delete(a.challenges, nonce)
	}
	if !ok || time.Now().After(entry.expires) {
		return false
	}
	return true
}

func (a *authState) issueSession() string {
	token := randomHex(32)
	a.mu.Lock()
	a.sessions[token] = time.Now().Add(sessionTTL)
	a.mu.Unlock()
	return token
}

func (a *authState) validSession(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expires, ok := a.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(a.sessions, token)
		return false
	}
	return true
}

func (a *authState) limiterFor(ip string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/authRatePerMin), authRatePerMin)
		a.limiters[ip] = l
	}
	return l
}

func (s *Server) rateLimitAuth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ip := remoteIP(r)
		if !s.auth.limiterFor(ip).Allow() {
			writeError(w, http.StatusTooManyRequests, "too many auth attempts")
			return
		}
		h(w, r, ps)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type challengeResponse struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nonce, expires := s.auth.issueChallenge()
	writeJSON(w, http.StatusOK, challengeResponse{Nonce: nonce, ExpiresAt: expires.UnixMilli()})
}

type loginRequest struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleAuthLogin verifies a signature over the challenge nonce using the
// agent's own posting key, proving the caller holds the same key material
// configured for this agent instance.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Nonce == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "nonce and signature are required")
		return
	}
	if !s.auth.consumeChallenge(req.Nonce) {
		writeError(w, http.StatusUnauthorized, "unknown or expired challenge")
		return
	}
	if s.priv == nil {
		writeError(w, http.StatusServiceUnavailable, "login unavailable: no signing key configured")
		return
	}
	pub := s.priv.Public()
	if err := crypto.Verify(pub, []byte(req.Nonce), req.Signature); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: s.auth.issueSession()})
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
