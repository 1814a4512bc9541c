package interfaces

import (
	"errors"
	"net/http"
)

// Transport error types
var (
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport is the write side of one live client connection. The registry
// owns the Channel; the transport is only pushed to, never enumerated.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Push writes an application payload to the client.
	Push(payload []byte) error

	// Kick sends the forced-disconnect control frame with the given
	// reason. The caller closes the transport afterwards.
	Kick(reason string) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Authenticator is the external auth collaborator. The delivery core
// trusts the identity it returns and performs no credential verification
// of its own.
type Authenticator interface {
	// Authenticate inspects the connect handshake and returns the user ID
	// and raw device identifier, or an error for unauthenticated requests.
	Authenticate(r *http.Request) (userID, deviceType string, err error)
}
