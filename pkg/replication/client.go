package replication

import (
	"context"
	gotls "crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/csn"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// DataServerOptions describes the data server a DataServerClient presents.
type DataServerOptions struct {
	ServerID  uint16
	ServerURL string
	BaseDN    string
	// GenerationID defaults to changelog.NoGenerationID when zero.
	GenerationID      int64
	WindowSize        int
	GroupID           uint8
	HeartbeatInterval time.Duration
	State             csn.ServerState
	TLS               *gotls.Config
	Timeout           time.Duration
}

// DataServerClient connects to a replication server as a data server. It
// publishes local changes and receives the changes of the other servers.
type DataServerClient struct {
	sess   Session
	server *protocol.ReplServerStartMsg
	window int

	creditMu sync.Mutex
	credits  int
	creditCh chan struct{}

	updates  chan *protocol.UpdateMsg
	topology atomic.Pointer[protocol.TopologyMsg]

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	done      chan struct{}
}

func dial(ctx context.Context, addr string, tlsCfg *gotls.Config, timeout time.Duration) (Session, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		tconn := gotls.Client(conn, tlsCfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		conn = tconn
	}
	return NewSession(conn, timeout), nil
}

func readReply(sess Session, timeout time.Duration) (*protocol.HandshakeReply, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p, err := receiveWithin(sess, timeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	reply, ok := p.(*protocol.HandshakeReply)
	if !ok {
		return nil, fmt.Errorf("%w: %s instead of handshake reply", ErrProtocolViolation, p.MessageType())
	}
	if !reply.Accepted() {
		return nil, &HandshakeError{Code: reply.Code, Message: reply.Message}
	}
	return reply, nil
}

// DialDataServer connects to the replication server at addr.
func DialDataServer(ctx context.Context, addr string, opts DataServerOptions) (*DataServerClient, error) {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 100
	}
	if opts.GenerationID == 0 {
		opts.GenerationID = changelog.NoGenerationID
	}
	sess, err := dial(ctx, addr, opts.TLS, opts.Timeout)
	if err != nil {
		return nil, err
	}

	start := &protocol.ServerStartMsg{
		ServerID:          opts.ServerID,
		ServerURL:         opts.ServerURL,
		BaseDN:            opts.BaseDN,
		GenerationID:      opts.GenerationID,
		WindowSize:        opts.WindowSize,
		GroupID:           opts.GroupID,
		HeartbeatInterval: opts.HeartbeatInterval,
		ServerState:       opts.State,
		ProtocolVersion:   protocol.Version,
	}
	if err := sess.Send(start); err != nil {
		sess.Close()
		return nil, err
	}
	reply, err := readReply(sess, opts.Timeout)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if reply.Server == nil {
		sess.Close()
		return nil, fmt.Errorf("%w: handshake reply without server description", ErrProtocolViolation)
	}

	c := &DataServerClient{
		sess:     sess,
		server:   reply.Server,
		window:   opts.WindowSize,
		credits:  reply.Server.WindowSize,
		creditCh: make(chan struct{}, 1),
		updates:  make(chan *protocol.UpdateMsg, opts.WindowSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c, nil
}

// Server describes the replication server the client is connected to.
func (c *DataServerClient) Server() *protocol.ReplServerStartMsg { return c.server }

// Updates delivers the changes sent by the replication server. It is
// closed when the session ends.
func (c *DataServerClient) Updates() <-chan *protocol.UpdateMsg { return c.updates }

// Topology returns the last topology received, or nil.
func (c *DataServerClient) Topology() *protocol.TopologyMsg { return c.topology.Load() }

// Err returns why the session ended.
func (c *DataServerClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *DataServerClient) readLoop() {
	defer close(c.updates)
	received := 0
	for {
		p, err := c.sess.Receive()
		if err != nil {
			c.fail(err)
			return
		}
		switch m := p.(type) {
		case *protocol.UpdateMsg:
			select {
			case c.updates <- m:
			case <-c.done:
				return
			}
			received++
			if received >= max(c.window/2, 1) {
				if err := c.sess.Send(&protocol.WindowMsg{NumAck: received}); err != nil {
					c.fail(err)
					return
				}
				received = 0
			}
		case *protocol.WindowMsg:
			c.creditMu.Lock()
			c.credits += m.NumAck
			c.creditMu.Unlock()
			select {
			case c.creditCh <- struct{}{}:
			default:
			}
		case *protocol.TopologyMsg:
			c.topology.Store(m)
		case *protocol.HeartbeatMsg:
		case *protocol.StopMsg:
			c.fail(fmt.Errorf("%w: %s", ErrShutdown, m.Reason))
			return
		case *protocol.ErrorMsg:
			if m.Fatal {
				c.fail(m)
				return
			}
		default:
			c.fail(fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, p.MessageType()))
			return
		}
	}
}

func (c *DataServerClient) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			seq++
			if err := c.sess.Send(&protocol.HeartbeatMsg{Sequence: seq}); err != nil {
				return
			}
		}
	}
}

func (c *DataServerClient) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.Close()
}

// Publish sends a local change, waiting for the replication server's
// window when it is exhausted.
func (c *DataServerClient) Publish(ctx context.Context, u *protocol.UpdateMsg) error {
	for {
		c.creditMu.Lock()
		if c.credits > 0 {
			c.credits--
			c.creditMu.Unlock()
			break
		}
		c.creditMu.Unlock()

		select {
		case <-c.creditCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrShutdown
		}
	}
	return c.sess.Send(u)
}

// Close ends the session.
func (c *DataServerClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sess.Close()
	})
	return err
}

// ECLClient reads the external changelog of a replication server.
type ECLClient struct {
	sess      Session
	sessionID string
}

// DialECL starts an external changelog session at addr.
func DialECL(ctx context.Context, addr string, msg *protocol.StartECLSessionMsg, tlsCfg *gotls.Config) (*ECLClient, error) {
	sess, err := dial(ctx, addr, tlsCfg, 0)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(msg); err != nil {
		sess.Close()
		return nil, err
	}
	reply, err := readReply(sess, 0)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return &ECLClient{sess: sess, sessionID: reply.SessionID}, nil
}

func (c *ECLClient) SessionID() string { return c.sessionID }

// Next returns the next *protocol.ECLUpdateMsg, or a *protocol.DoneMsg when
// the changes stored at search time have all been returned.
func (c *ECLClient) Next() (protocol.Payload, error) {
	for {
		p, err := c.sess.Receive()
		if err != nil {
			return nil, err
		}
		switch m := p.(type) {
		case *protocol.ECLUpdateMsg, *protocol.DoneMsg:
			return p, nil
		case *protocol.ErrorMsg:
			return nil, m
		case *protocol.HeartbeatMsg:
		default:
			return nil, fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, p.MessageType())
		}
	}
}

// Restart begins a new search on the same session.
func (c *ECLClient) Restart(msg *protocol.StartECLSessionMsg) error {
	return c.sess.Send(msg)
}

// Close ends the session.
func (c *ECLClient) Close() error {
	c.sess.Send(&protocol.StopMsg{Reason: "reader closed"})
	return c.sess.Close()
}
