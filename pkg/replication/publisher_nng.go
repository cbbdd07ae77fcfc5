package replication

import (
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

func init() {
	registerPublisher(TransportNNG, newNNGPublisher)
}

// nngPublisher publishes on a mangos PUB socket.
type nngPublisher struct {
	sock mangos.Socket
}

func newNNGPublisher(addr string) (Publisher, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, time.Second); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set send deadline: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind PUB socket to %s: %w", addr, err)
	}
	return &nngPublisher{sock: sock}, nil
}

func (p *nngPublisher) Publish(topic string, payload []byte) error {
	msg := make([]byte, 0, len(topic)+len(payload))
	msg = append(msg, topic...)
	msg = append(msg, payload...)
	return p.sock.Send(msg)
}

func (p *nngPublisher) Close() error {
	return p.sock.Close()
}
