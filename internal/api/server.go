package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/velvetbet/casino-core/internal/games"
	"github.com/velvetbet/casino-core/internal/relay"
	"github.com/velvetbet/casino-core/internal/session"
	"github.com/velvetbet/casino-core/internal/settle"
	"github.com/velvetbet/casino-core/internal/store"
)

// Server handles HTTP requests
type Server struct {
	db             store.DB
	sessions       *session.Manager
	signer         *settle.Signer
	relay          *relay.Relay
	walletContract string
	logger         *log.Logger
	securityLogger *SecurityLogger
	startTime      time.Time
}

// NewServer creates a new API server. The relay may be nil when no chain
// backend is configured; gasless routes then always return the direct path.
func NewServer(db store.DB, sessions *session.Manager, signer *settle.Signer, rl *relay.Relay, walletContract string) *Server {
	logger := log.New(os.Stdout, "[API] ", log.LstdFlags|log.Lshortfile)
	securityLogger := NewSecurityLogger()

	server := &Server{
		db:             db,
		sessions:       sessions,
		signer:         signer,
		relay:          rl,
		walletContract: walletContract,
		logger:         logger,
		securityLogger: securityLogger,
		startTime:      time.Now(),
	}

	securityLogger.LogSystemStartup(EngineVersion, map[string]interface{}{
		"database_enabled": server.db != nil,
		"relay_enabled":    server.relay != nil,
		"wallet_contract":  walletContract,
	})

	return server
}

// Routes sets up the HTTP routes with proper middleware
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.SecurityLoggingMiddleware)
	r.Use(s.RecoveryHandler)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.CORSMiddleware)

	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Post("/game/init", s.handleGameInit)
		r.Post("/game/roulette", s.handleBet)
		r.Post("/game/mines", s.handleBet)
		r.Post("/game/plinko", s.handleBet)
		r.Post("/game/wheel", s.handleBet)
		r.Post("/game/mines/reveal", s.handleMinesReveal)
		r.Post("/game/mines/cashout", s.handleMinesCashout)
		r.Post("/verify", s.handleVerify)

		r.Get("/balance/{address}", s.handleBalance)
		r.Get("/session/{id}/rounds", s.handleSessionRounds)

		r.Post("/relay/prepare", s.handlePrepareRelay)
		r.Post("/deposit/gasless", s.handleGaslessDeposit)
		r.Post("/withdraw/gasless", s.handleGaslessWithdraw)
	})

	return r
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// writeError writes a structured error response
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, errType, message string, context map[string]interface{}) {
	requestID := middleware.GetReqID(r.Context())
	envelope := EngineError{
		Type:      errType,
		Message:   message,
		Context:   context,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("X-Error-Type", errType)
	w.Header().Set("X-Error-Category", string(GetErrorCategory(errType)))

	s.logger.Printf("error_occurred type=%s status=%d request_id=%s path=%s message=%q",
		errType, status, requestID, r.URL.Path, message)
	s.writeJSON(w, status, envelope)
}

// handleDomainError maps a domain error onto the taxonomy and writes it.
func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, errType := classifyError(err)
	s.writeError(w, r, status, errType, err.Error(), nil)
}

// classifyError maps domain errors to HTTP status and error type.
func classifyError(err error) (int, string) {
	var betErr games.ErrInvalidBet
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, ErrTypeSessionNotFound
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusPaymentRequired, ErrTypeInsufficient
	case errors.Is(err, session.ErrNonceMismatch):
		return http.StatusConflict, ErrTypeNonceMismatch
	case errors.As(err, &betErr),
		errors.Is(err, store.ErrNegativeAmount),
		errors.Is(err, session.ErrGameMismatch),
		errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, session.ErrSessionResolved),
		errors.Is(err, session.ErrNoOpenGame),
		errors.Is(err, session.ErrTileOutOfRange),
		errors.Is(err, session.ErrTileRevealed),
		errors.Is(err, session.ErrNothingToCash),
		errors.Is(err, settle.ErrZeroAmount):
		return http.StatusBadRequest, ErrTypeInvalidBetParams
	case errors.Is(err, settle.ErrInvalidSignature), errors.Is(err, relay.ErrInvalidSignature):
		return http.StatusUnauthorized, ErrTypeInvalidSignature
	case errors.Is(err, relay.ErrNonceReplay):
		return http.StatusConflict, ErrTypeNonceReplay
	case errors.Is(err, settle.ErrDeadlineExpired):
		return http.StatusGone, ErrTypeDeadlineExpired
	case errors.Is(err, relay.ErrContractRevert):
		return http.StatusBadGateway, ErrTypeContractRevert
	case errors.Is(err, relay.ErrRelayerUnavailable), errors.Is(err, relay.ErrConfirmationTimeout):
		return http.StatusServiceUnavailable, ErrTypeRelayer
	default:
		return http.StatusInternalServerError, ErrTypeInternal
	}
}

// decodeJSON decodes a request body, rejecting unknown garbage early.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "malformed JSON body", map[string]interface{}{
			"cause": err.Error(),
		})
		return false
	}
	return true
}

// RecoveryHandler provides panic recovery with structured error logging
func (s *Server) RecoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				requestID := middleware.GetReqID(r.Context())
				s.logger.Printf("panic_recovered request_id=%s path=%s method=%s panic=%v",
					requestID, r.URL.Path, r.Method, rvr)
				s.writeError(w, r, http.StatusInternalServerError, ErrTypeInternal, "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SecurityLoggingMiddleware logs request-level security context.
func (s *Server) SecurityLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("request method=%s path=%s remote=%s duration_ms=%d request_id=%s",
			r.Method, r.URL.Path, r.RemoteAddr, time.Since(start).Milliseconds(), middleware.GetReqID(r.Context()))
	})
}

// CORSMiddleware allows the UI origin to reach the API.
func (s *Server) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
