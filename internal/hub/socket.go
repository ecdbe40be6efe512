package hub

// ReadyState mirrors the socket lifecycle the hub cares about. Only OPEN
// sockets accept sends; everything else is refused silently.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Socket is the transport primitive the hub consumes. The production
// implementation wraps a gorilla/websocket connection; tests use fakes.
//
// Send reports completion exactly once: either through the returned error
// (synchronous failure, e.g. socket already closed) or through done. When
// Send returns nil, done will be invoked with the write result. Completion
// may be asynchronous.
//
// Close sends a close frame with code and reason and tears the socket down.
// Terminate drops the underlying connection without a close handshake.
type Socket interface {
	ReadyState() ReadyState
	BufferedAmount() int64
	Send(data []byte, done func(err error)) error
	Close(code int, reason string) error
	Terminate()
	Ping() error
}

// WebSocket close codes used by the hub.
const (
	CloseProtocolError   = 1002
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// Close reasons. Clients may treat these strings as machine-readable codes.
const (
	ReasonProtocolError         = "protocol_error"
	ReasonInvalidResume         = "invalid_resume"
	ReasonHeartbeatTerminate    = "heartbeat_terminate"
	ReasonUnauthorized          = "unauthorized"
	ReasonMessageRateLimited    = "message_rate_limited"
	ReasonInvalidToken          = "invalid_token"
	ReasonExpiredToken          = "expired_token"
	ReasonTokenConflict         = "token_conflict"
	ReasonMessageTooLarge       = "message_too_large"
	ReasonSendFailure           = "send_failure"
	ReasonOverloaded            = "overloaded"
	ReasonConnectionRateLimited = "connection_rate_limited"
)
