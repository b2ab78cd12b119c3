// Package control implements the agent's local HTTP control surface: a
// thin status/config/pin dashboard bound to loopback only, in the same
// spirit as the teacher's rpc.Server but routed with httprouter since the
// surface has several fixed, parameterized routes instead of one JSON-RPC
// endpoint.
package control

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/dhenz14/hivepoa/blockstore"
	"github.com/dhenz14/hivepoa/config"
	"github.com/dhenz14/hivepoa/crypto"
	"github.com/dhenz14/hivepoa/history"
	"github.com/dhenz14/hivepoa/ledger"
	"github.com/dhenz14/hivepoa/roster"
	"github.com/dhenz14/hivepoa/validator"
)

const maxBodyBytes = 1 * 1024 * 1024

// Server is the local control surface's HTTP server.
type Server struct {
	cfg       *config.Config
	cfgPath   string
	priv      crypto.PrivateKey
	authToken string

	store     *blockstore.Client
	ledger    *ledger.Client
	roster    *roster.Roster
	validator *validator.Validator
	history   *history.History

	auth *authState

	srv *http.Server
	ln  net.Listener
}

// Deps bundles the component handles the control surface reads from.
type Deps struct {
	Store     *blockstore.Client
	Ledger    *ledger.Client
	Roster    *roster.Roster
	Validator *validator.Validator
	History   *history.History
}

// New constructs a Server. authToken, if non-empty, is required on every
// mutating request via "Authorization: Bearer <token>"; priv is the
// agent's own posting key, used to verify the wallet-signature login flow.
func New(cfg *config.Config, cfgPath string, priv crypto.PrivateKey, authToken string, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		cfgPath:   cfgPath,
		priv:      priv,
		authToken: authToken,
		store:     deps.Store,
		ledger:    deps.Ledger,
		roster:    deps.Roster,
		validator: deps.Validator,
		history:   deps.History,
		auth:      newAuthState(),
	}

	router := httprouter.New()
	router.GET("/status", s.handleStatus)
	router.GET("/config", s.handleGetConfig)
	router.PUT("/config", s.requireAuth(s.handlePutConfig))
	router.POST("/pin", s.requireAuth(s.handlePin))
	router.POST("/unpin", s.requireAuth(s.handleUnpin))
	router.POST("/upload", s.requireAuth(s.handleUpload))
	router.POST("/auth/challenge", s.rateLimitAuth(s.handleAuthChallenge))
	router.POST("/auth/login", s.rateLimitAuth(s.handleAuthLogin))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5000",
			"http://localhost:8080",
			"null",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.srv = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.APIPort)),
		Handler:           c.Handler(bodyLimit(router)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener synchronously, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[control] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// Stop gracefully shuts down the server, waiting up to 5 seconds for
// in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) requireAuth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r, ps)
	}
}

// authorized accepts either the static startup token (when configured) or
// a session token issued by the wallet-signature login flow.
func (s *Server) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return s.authToken == ""
	}
	token := header[len(prefix):]
	if s.authToken != "" && token == s.authToken {
		return true
	}
	return s.auth.validSession(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[control] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
