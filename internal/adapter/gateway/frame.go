// Package gateway implements the WebSocket protocol client for the upstream
// agent gateway: one authenticated connection per process, correlated
// request/response RPCs, and an ordered server-pushed event stream.
package gateway

import "encoding/json"

// ProtocolVersion is the protocol generation this client speaks.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// MethodConnect is the handshake method. It must be the first request on a
// fresh socket.
const MethodConnect = "connect"

// EventConnectChallenge is the reserved event the server may push before the
// handshake to demand a nonce-bound device signature.
const EventConnectChallenge = "connect.challenge"

// CloseCodeAuthRejected is the WebSocket close code sent by the server when
// the connect handshake fails authentication.
const CloseCodeAuthRejected = 4401

// Frame is the envelope for every message on the wire. Exactly one of the
// request, response or event field sets is populated, keyed by Type.
type Frame struct {
	Type string `json:"type"`

	// Request fields ("req").
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields ("res"). ID is shared with requests.
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// Event fields ("event").
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// ErrorShape is the structured error carried in failed responses.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
}

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role,omitempty"`
	Scopes      []string    `json:"scopes,omitempty"`
	Auth        *AuthInfo   `json:"auth,omitempty"`
	Device      *DeviceAuth `json:"device,omitempty"`
	Locale      string      `json:"locale,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// AuthInfo carries shared-secret credentials.
type AuthInfo struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceAuth carries the device identity assertion.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ChallengePayload is the body of the connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// Hello is the successful connect response payload.
type Hello struct {
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Features Features        `json:"features"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Auth     *AuthResult     `json:"auth,omitempty"`
	Policy   PolicyInfo      `json:"policy"`
}

// ServerInfo describes the gateway end of the connection.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists methods and events the server supports.
type Features struct {
	Methods []string `json:"methods,omitempty"`
	Events  []string `json:"events,omitempty"`
}

// PolicyInfo carries connection policy hints.
type PolicyInfo struct {
	MaxPayload       int `json:"maxPayload,omitempty"`
	MaxBufferedBytes int `json:"maxBufferedBytes,omitempty"`
	TickIntervalMs   int `json:"tickIntervalMs,omitempty"`
}

// AuthResult reports the role and scopes the server granted.
type AuthResult struct {
	Role       string   `json:"role,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	IssuedAtMs int64    `json:"issuedAtMs,omitempty"`
}
