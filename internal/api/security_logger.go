package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"
)

// SecurityLogger handles security-conscious logging with no raw seed or
// key exposure.
type SecurityLogger struct {
	logger *log.Logger
}

// NewSecurityLogger creates a new security logger
func NewSecurityLogger() *SecurityLogger {
	logger := log.New(os.Stdout, "[SECURITY] ", log.LstdFlags|log.LUTC)
	return &SecurityLogger{
		logger: logger,
	}
}

// LogBetOperation logs bet placements with security-safe parameters.
func (sl *SecurityLogger) LogBetOperation(requestID, sessionID, game, clientSeed string, nonce uint64, stake, payout string) {
	sl.logger.Printf(
		"bet_operation request_id=%s session=%s game=%s client_hash=%s nonce=%d stake=%s payout=%s engine_version=%s timestamp=%s",
		requestID,
		sessionID,
		game,
		sl.hashSeed(clientSeed),
		nonce,
		stake,
		payout,
		EngineVersion,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// LogSettlementOperation logs withdrawal signings. Only the player, the
// amount and the settlement nonce appear; never the signature material.
func (sl *SecurityLogger) LogSettlementOperation(requestID, player, amount string, nonce uint64) {
	sl.logger.Printf(
		"settlement_operation request_id=%s player=%s amount=%s settlement_nonce=%d engine_version=%s timestamp=%s",
		requestID,
		player,
		amount,
		nonce,
		EngineVersion,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// LogRelayOperation logs gasless submissions.
func (sl *SecurityLogger) LogRelayOperation(requestID, player string, forwarderNonce uint64, sponsored bool, outcome string) {
	sl.logger.Printf(
		"relay_operation request_id=%s player=%s forwarder_nonce=%d sponsored=%t outcome=%s engine_version=%s timestamp=%s",
		requestID,
		player,
		forwarderNonce,
		sponsored,
		outcome,
		EngineVersion,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// LogSecurityEvent logs security-related events (failed validations, suspicious activity)
func (sl *SecurityLogger) LogSecurityEvent(requestID, eventType, description string, context map[string]interface{}, remoteAddr string) {
	sl.logger.Printf(
		"security_event request_id=%s type=%s description=%q context=%+v remote_addr=%s engine_version=%s timestamp=%s",
		requestID,
		eventType,
		description,
		sl.sanitizeContext(context),
		remoteAddr,
		EngineVersion,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// LogSystemStartup logs the server coming up with its configuration shape.
func (sl *SecurityLogger) LogSystemStartup(version string, config map[string]interface{}) {
	sl.logger.Printf(
		"system_startup version=%s config=%+v engine_version=%s timestamp=%s",
		version,
		sl.sanitizeContext(config),
		EngineVersion,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// hashSeed returns a short hash of a seed for correlation without
// exposing the raw value.
func (sl *SecurityLogger) hashSeed(seed string) string {
	if seed == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// sanitizeContext strips seeds, keys and signatures from log context.
func (sl *SecurityLogger) sanitizeContext(context map[string]interface{}) map[string]interface{} {
	sanitized := make(map[string]interface{}, len(context))
	for key, value := range context {
		switch key {
		case "server_seed", "client_seed", "private_key", "signature", "signing_key":
			sanitized[key] = fmt.Sprintf("redacted_%s", sl.hashSeed(fmt.Sprintf("%v", value)))
		default:
			sanitized[key] = value
		}
	}
	return sanitized
}
