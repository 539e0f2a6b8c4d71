package api

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/engine"
	"github.com/velvetbet/casino-core/internal/games"
	"github.com/velvetbet/casino-core/internal/relay"
	"github.com/velvetbet/casino-core/internal/store"
)

// handleGameInit opens a session and publishes the seed commitment.
func (s *Server) handleGameInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.PlayerAddress) {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "playerAddress must be a hex address", nil)
		return
	}
	gameType := games.Type(strings.ToLower(req.GameType))
	if !games.Known(gameType) {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "unknown gameType "+req.GameType, nil)
		return
	}

	sess, err := s.sessions.Init(r.Context(), req.PlayerAddress, gameType)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	balance, err := s.db.Balance(r.Context(), req.PlayerAddress)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, InitResponse{
		SessionID:      sess.ID,
		ServerSeedHash: sess.ServerSeedHash,
		CurrentBalance: balance.Balance,
	})
}

// handleBet places one round against the game named in the URL.
func (s *Server) handleBet(w http.ResponseWriter, r *http.Request) {
	gameType := games.Type(strings.TrimPrefix(r.URL.Path, "/api/game/"))
	if !games.Known(gameType) {
		s.writeError(w, r, http.StatusNotFound, ErrTypeValidation, "unknown game", nil)
		return
	}

	var req BetRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.ClientSeed == "" {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "sessionId and clientSeed are required", nil)
		return
	}

	bet, err := games.DecodeBet(gameType, req.BetParams)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	round, err := s.sessions.PlaceBet(r.Context(), req.SessionID, req.ClientSeed, req.Nonce, bet)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	s.securityLogger.LogBetOperation(
		middleware.GetReqID(r.Context()),
		round.SessionID, string(round.Game), req.ClientSeed, round.Nonce,
		round.Stake.String(), round.Payout.String(),
	)
	s.writeJSON(w, http.StatusOK, round)
}

// handleMinesReveal uncovers one tile of an active mines session.
func (s *Server) handleMinesReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "sessionId is required", nil)
		return
	}

	res, err := s.sessions.RevealTile(r.Context(), req.SessionID, req.Tile)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleMinesCashout ends the player's active mines game. The session may
// be named explicitly or found from the player's single open game.
func (s *Server) handleMinesCashout(w http.ResponseWriter, r *http.Request) {
	var req CashoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		if !common.IsHexAddress(req.PlayerAddress) {
			s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "playerAddress or sessionId is required", nil)
			return
		}
		sess, err := s.sessions.OpenMinesSession(r.Context(), req.PlayerAddress)
		if err != nil {
			s.handleDomainError(w, r, err)
			return
		}
		sessionID = sess.ID
	}

	res, err := s.sessions.CashOut(r.Context(), sessionID)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleVerify independently replays a round from its public inputs. The
// response carries the recomputed outcome; verified is false when the
// revealed seed does not hash to the published commitment.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	gameType := games.Type(strings.ToLower(req.GameType))
	if !games.Known(gameType) {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "unknown gameType "+req.GameType, nil)
		return
	}
	if req.ServerSeed == "" {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "serverSeed is required", nil)
		return
	}

	bet, err := games.DecodeBet(gameType, req.GameParams)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	hash := engine.HashSeed(req.ServerSeed)
	verified := req.ServerSeedHash == "" || req.ServerSeedHash == hash

	draws := engine.Floats(req.ClientSeed, req.ServerSeed, req.Nonce, bet.FloatCount())
	result, err := games.Resolve(bet, draws)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, VerifyResponse{
		Verified:       verified,
		ServerSeedHash: hash,
		Draws:          draws,
		Result:         result,
		Payout:         result.Payout(),
	})
}

// handleBalance returns one player's ledger row.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "address must be a hex address", nil)
		return
	}
	balance, err := s.db.Balance(r.Context(), address)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

// handleSessionRounds returns the append-only history of one session.
// The server seed stays committed until the session resolves.
func (s *Server) handleSessionRounds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	rounds, err := s.db.SessionRounds(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	if sess.Status != store.SessionResolved {
		for i := range rounds {
			rounds[i].ServerSeed = ""
		}
	}
	s.writeJSON(w, http.StatusOK, rounds)
}

// handlePrepareRelay builds the unsigned meta-transaction the player
// signs, along with the sponsorship decision.
func (s *Server) handlePrepareRelay(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, ErrTypeRelayer, "no relay configured", nil)
		return
	}
	var req PrepareRelayRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.PlayerAddress) || !common.IsHexAddress(req.Target) {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "playerAddress and target must be hex addresses", nil)
		return
	}
	value := big.NewInt(0)
	if req.Value != "" {
		parsed, ok := new(big.Int).SetString(req.Value, 10)
		if !ok || parsed.Sign() < 0 {
			s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "value must be a non-negative decimal string", nil)
			return
		}
		value = parsed
	}

	player := common.HexToAddress(req.PlayerAddress)
	target := common.HexToAddress(req.Target)

	request, err := s.relay.PrepareMetaTransaction(r.Context(), player, target, req.Data, value)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	digest, err := s.relay.RequestDigest(request)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	eligibility := s.relay.CheckEligibility(r.Context(), player, target, request.Gas)

	s.writeJSON(w, http.StatusOK, PrepareRelayResponse{
		Request:     request,
		Digest:      digest,
		Eligibility: eligibility,
	})
}

// submitGasless runs the sponsor-or-fallback decision for a signed
// request. Terminal failures come back as errors for the caller to
// surface; anything retryable degrades to the player-paid path with the
// same calldata.
func (s *Server) submitGasless(r *http.Request, req *relay.MetaTransactionRequest, signature []byte) (*RelayOutcome, error) {
	requestID := middleware.GetReqID(r.Context())

	if s.relay == nil {
		return &RelayOutcome{Sponsored: false, Direct: relay.Fallback(req), Reason: "no relay configured"}, nil
	}

	eligibility := s.relay.CheckEligibility(r.Context(), req.From, req.To, req.Gas)
	if !eligibility.CanSponsor {
		s.securityLogger.LogRelayOperation(requestID, req.From.Hex(), req.Nonce, false, "declined: "+eligibility.Reason)
		return &RelayOutcome{Sponsored: false, Direct: relay.Fallback(req), Reason: eligibility.Reason}, nil
	}

	receipt, err := s.relay.ExecuteGasless(r.Context(), req, signature)
	if err != nil {
		if relay.Terminal(err) {
			s.securityLogger.LogRelayOperation(requestID, req.From.Hex(), req.Nonce, true, "terminal: "+err.Error())
			return nil, err
		}
		s.securityLogger.LogRelayOperation(requestID, req.From.Hex(), req.Nonce, false, "fallback: "+err.Error())
		return &RelayOutcome{Sponsored: false, Direct: relay.Fallback(req), Reason: err.Error()}, nil
	}

	s.securityLogger.LogRelayOperation(requestID, req.From.Hex(), req.Nonce, true, "confirmed "+receipt.TxHash.Hex())
	return &RelayOutcome{Sponsored: true, Receipt: receipt}, nil
}

// handleGaslessDeposit relays a signed deposit call and credits the
// ledger once the sponsored transaction confirms. The fallback path does
// not credit; the deposit lands when the player's own transaction does.
func (s *Server) handleGaslessDeposit(w http.ResponseWriter, r *http.Request) {
	var req GaslessDepositRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Request == nil {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "request is required", nil)
		return
	}
	if !req.Amount.IsPositive() {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "amount must be positive", nil)
		return
	}

	outcome, err := s.submitGasless(r, req.Request, req.Signature)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	resp := struct {
		*RelayOutcome
		NewBalance *decimal.Decimal `json:"newBalance,omitempty"`
	}{RelayOutcome: outcome}

	if outcome.Sponsored {
		balance, err := s.db.Credit(r.Context(), req.Request.From.Hex(), req.Amount)
		if err != nil {
			s.handleDomainError(w, r, err)
			return
		}
		resp.NewBalance = &balance
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGaslessWithdraw signs a settlement authorization (debiting the
// ledger) and optionally relays the withdrawal call.
func (s *Server) handleGaslessWithdraw(w http.ResponseWriter, r *http.Request) {
	var req GaslessWithdrawRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.PlayerAddress) {
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, "playerAddress must be a hex address", nil)
		return
	}

	player := common.HexToAddress(req.PlayerAddress)
	withdrawal, err := s.signer.SignWithdrawal(r.Context(), player, req.Amount)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	s.securityLogger.LogSettlementOperation(
		middleware.GetReqID(r.Context()), player.Hex(), req.Amount.String(), withdrawal.Nonce)

	resp := struct {
		Withdrawal interface{}   `json:"withdrawal"`
		Relay      *RelayOutcome `json:"relay,omitempty"`
	}{Withdrawal: withdrawal}

	if req.Request != nil {
		outcome, err := s.submitGasless(r, req.Request, req.Signature)
		if err != nil {
			// The debit already happened and the authorization is
			// signed; the player must still receive it even when the
			// relay leg dies, or the funds are stranded.
			status, errType := classifyError(err)
			s.writeError(w, r, status, errType, err.Error(), map[string]interface{}{
				"withdrawal": withdrawal,
			})
			return
		}
		resp.Relay = outcome
	}
	s.writeJSON(w, http.StatusOK, resp)
}
