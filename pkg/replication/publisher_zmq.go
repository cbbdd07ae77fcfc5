//go:build zmq
// +build zmq

package replication

import (
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq4"
)

func init() {
	registerPublisher(TransportZMQ, newZMQPublisher)
}

// zmqPublisher publishes two-frame messages, topic then payload. ZeroMQ
// sockets are not goroutine safe.
type zmqPublisher struct {
	mu   sync.Mutex
	sock *zmq.Socket
}

func newZMQPublisher(addr string) (Publisher, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to bind PUB socket to %s: %w", addr, err)
	}
	return &zmqPublisher{sock: sock}, nil
}

func (p *zmqPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.sock.SendMessage(topic, payload)
	return err
}

func (p *zmqPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sock.Close()
}
