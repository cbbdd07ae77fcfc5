package replication

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// Session carries protocol messages between two servers. Send is safe for
// concurrent use; Receive must be called from one goroutine at a time.
type Session interface {
	Send(p protocol.Payload) error
	Receive() (protocol.Payload, error)
	// SetReadDeadline bounds the next Receive. The zero time clears it.
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	// Close unblocks pending Send and Receive calls. It is idempotent.
	Close() error
}

// connSession frames messages as a stream of JSON envelopes.
type connSession struct {
	conn         net.Conn
	decoder      *json.Decoder
	writeTimeout time.Duration

	sendMu  sync.Mutex
	encoder *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps conn. writeTimeout bounds every Send; zero disables it.
func NewSession(conn net.Conn, writeTimeout time.Duration) Session {
	return &connSession{
		conn:         conn,
		decoder:      json.NewDecoder(conn),
		encoder:      json.NewEncoder(conn),
		writeTimeout: writeTimeout,
	}
}

func (s *connSession) Send(p protocol.Payload) error {
	msg, err := protocol.Wrap(p)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := s.encoder.Encode(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, s.RemoteAddr(), err)
	}
	return nil
}

func (s *connSession) Receive() (protocol.Payload, error) {
	var msg protocol.Message
	if err := s.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	p, err := protocol.Unwrap(&msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return p, nil
}

func (s *connSession) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *connSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *connSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// receiveWithin reads one message under a deadline, then clears it.
func receiveWithin(s Session, timeout time.Duration) (protocol.Payload, error) {
	if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	p, err := s.Receive()
	if err != nil {
		return nil, err
	}
	if err := s.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return p, nil
}
