package replication

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

var (
	// ErrProtocolViolation is returned for an unexpected or malformed message.
	ErrProtocolViolation = errors.New("replication: protocol violation")
	// ErrGenerationIDMismatch rejects a peer whose data set differs from the
	// domain's. The peer must be re-initialized.
	ErrGenerationIDMismatch = errors.New("replication: generation id mismatch")
	// ErrAlreadyConnected rejects a second session for the same peer and domain.
	ErrAlreadyConnected = errors.New("replication: server already connected")
	// ErrResyncRequired is returned for cookies the changelog can no longer serve.
	ErrResyncRequired = errors.New("replication: full resync required")
	// ErrShutdown is returned by operations on a stopped server, domain or handler.
	ErrShutdown = errors.New("replication: shut down")
	// ErrIllegalTransition is returned for a state change the state machine forbids.
	ErrIllegalTransition = errors.New("replication: illegal state transition")
	// ErrAlreadyRunning is returned by Start on a started server.
	ErrAlreadyRunning = errors.New("replication: already running")
	// ErrNotRunning is returned by operations that need a started server.
	ErrNotRunning = errors.New("replication: server not running")
	// ErrNoSuchDomain is returned for a base DN with no domain.
	ErrNoSuchDomain = errors.New("replication: no such domain")
	// ErrECLDisabled rejects external changelog sessions while the
	// external changelog is disabled.
	ErrECLDisabled = errors.New("replication: external changelog disabled")

	errSelfConnection = errors.New("replication: connection to self")
)

// HandshakeError is the refusal a remote server sent in its handshake reply.
type HandshakeError struct {
	Code    protocol.ReplyCode
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("handshake refused: %s", e.Code)
	}
	return fmt.Sprintf("handshake refused: %s: %s", e.Code, e.Message)
}

// Is maps reply codes onto the package sentinels, so callers can test a
// remote refusal with errors.Is like a local one.
func (e *HandshakeError) Is(target error) bool {
	switch e.Code {
	case protocol.ReplyGenerationIDMismatch:
		return target == ErrGenerationIDMismatch
	case protocol.ReplyAlreadyConnected:
		return target == ErrAlreadyConnected
	case protocol.ReplyProtocolError:
		return target == ErrProtocolViolation
	case protocol.ReplyShuttingDown:
		return target == ErrShutdown
	case protocol.ReplyResyncRequired:
		return target == ErrResyncRequired
	}
	return false
}

// replyCodeFor picks the handshake reply code describing err.
func replyCodeFor(err error) protocol.ReplyCode {
	switch {
	case err == nil:
		return protocol.ReplyOK
	case errors.Is(err, ErrGenerationIDMismatch):
		return protocol.ReplyGenerationIDMismatch
	case errors.Is(err, ErrAlreadyConnected):
		return protocol.ReplyAlreadyConnected
	case errors.Is(err, ErrProtocolViolation):
		return protocol.ReplyProtocolError
	case errors.Is(err, ErrShutdown):
		return protocol.ReplyShuttingDown
	case errors.Is(err, ErrResyncRequired):
		return protocol.ReplyResyncRequired
	}
	return protocol.ReplyRejected
}
