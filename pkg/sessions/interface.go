package sessions

import "errors"

var (
	ErrSessionNotFound = errors.New("no session exists for connection")
	ErrSessionExpired  = errors.New("session has expired")
)

type SessionStore interface {
	// Creates a session for a new connection and returns a read-only copy
	// of session state.
	Create(clientID string) (SessionState, error)
	// Resumes the session that was issued connectionKey.
	Resume(connectionKey string) (SessionState, error)
	// Should produce a read-only copy of session state.
	Get(connectionID string) (SessionState, error)
	// Marks whether the session currently has a live transport.
	// Idle time is only counted while it has none.
	SetActive(connectionID string, active bool) error
	// Registers a message serial received from the client.
	// The first return value is whether the serial had already been
	// received, in which case the message must not be processed again.
	Ack(connectionID string, msgSerial int64) (bool, error)
	// Discards a session straight away, used when a client closes
	// its connection.
	Release(connectionID string) error
	// Expires every session that has been idle for too long and
	// returns them so that their presence can be cleaned up.
	ExpireIdle() []SessionState
}

type SessionState struct {
	ConnectionID  string
	ConnectionKey string
	ClientID      string
	// NextSerial is the lowest message serial not yet received.
	NextSerial int64
}
