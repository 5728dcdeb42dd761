package signaling

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Frame types of the signaling wire protocol. Every frame is a JSON
// envelope {type, payload}; relay payloads are opaque to the server.
const (
	TypeChallenge         = "challenge"
	TypeChallengeResponse = "challenge_response"
	TypeMatchRequest      = "match_request"
	TypeMatchFound        = "match_found"
	TypeRelay             = "relay"
	TypeTeardown          = "teardown"
	TypeHeartbeatPing     = "heartbeat_ping"
	TypeHeartbeatPong     = "heartbeat_pong"
	TypeError             = "error"
)

// Envelope is one signaling frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Challenge is the server's opening frame.
type Challenge struct {
	Challenge string `json:"challenge"`
	PeerID    string `json:"peer_id"`
}

// ChallengeResponse answers the challenge. ClientID is an optional
// stable identity; reputation follows it across reconnects.
type ChallengeResponse struct {
	Response string `json:"response"`
	ClientID string `json:"client_id,omitempty"`
}

// MatchRequest asks to be paired with a peer of the same capability
// class. NAT details ride along for the peers' later direct setup; the
// server only forwards them inside MatchFound.
type MatchRequest struct {
	Capability string `json:"capability"`
	NATType    string `json:"nat_type,omitempty"`
	PublicAddr string `json:"public_addr,omitempty"`
}

// MatchFound notifies both sides of a new session.
type MatchFound struct {
	SessionID      string `json:"session_id"`
	PeerID         string `json:"peer_id"`
	PeerNATType    string `json:"peer_nat_type,omitempty"`
	PeerPublicAddr string `json:"peer_public_addr,omitempty"`
	// Initiator is true for exactly one side, so the peers agree on who
	// opens the relay transport.
	Initiator bool `json:"initiator"`
}

// Teardown ends the current session.
type Teardown struct {
	Reason string `json:"reason,omitempty"`
}

// Heartbeat carries the sender's clock.
type Heartbeat struct {
	Timestamp int64 `json:"ts"`
}

// ErrorPayload is a classified error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error codes used in error frames.
const (
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeBanned        = "banned"
	ErrCodeAuthFailed    = "auth_failed"
	ErrCodeProtocol      = "protocol"
	ErrCodeOversized     = "oversized"
	ErrCodeNotMatched    = "not_matched"
	ErrCodeAlreadyPaired = "already_matched"
)

// MustEnvelope marshals a typed payload into an envelope. Payload types
// are fixed structs, so marshalling cannot fail at runtime.
func MustEnvelope(frameType string, payload any) Envelope {
	if payload == nil {
		return Envelope{Type: frameType}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal %s payload: %v", frameType, err))
	}
	return Envelope{Type: frameType, Payload: raw}
}

// NewChallenge returns a fresh random challenge string.
func NewChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SignChallenge computes the expected challenge response: an HMAC-SHA256
// of the challenge keyed with the shared secret.
func SignChallenge(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge reports whether response matches in constant time.
func VerifyChallenge(secret, challenge, response string) bool {
	expected := SignChallenge(secret, challenge)
	return hmac.Equal([]byte(expected), []byte(response))
}

// NewHeartbeat returns a ping/pong payload stamped with the current time.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Timestamp: time.Now().Unix()}
}
