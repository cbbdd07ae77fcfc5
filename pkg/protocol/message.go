// Package protocol defines the messages exchanged between data servers,
// replication servers and external changelog readers, and the JSON
// envelope that carries them on a session.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version advertised in start messages.
const Version = 1

// MessageType identifies the payload of an envelope.
type MessageType uint8

const (
	// Session start, the first message on every connection
	MsgServerStart MessageType = iota + 1
	MsgReplServerStart
	MsgStartECLSession
	MsgHandshakeReply

	// Replication traffic
	MsgUpdate
	MsgWindow
	MsgHeartbeat
	MsgTopology

	// External changelog
	MsgECLUpdate
	MsgDone

	// Session end
	MsgStop
	MsgError

	// Monitoring snapshots, only on the publisher socket
	MsgMonitor
)

var messageTypeNames = map[MessageType]string{
	MsgServerStart:     "ServerStart",
	MsgReplServerStart: "ReplServerStart",
	MsgStartECLSession: "StartECLSession",
	MsgHandshakeReply:  "HandshakeReply",
	MsgUpdate:          "Update",
	MsgWindow:          "Window",
	MsgHeartbeat:       "Heartbeat",
	MsgTopology:        "Topology",
	MsgECLUpdate:       "ECLUpdate",
	MsgDone:            "Done",
	MsgStop:            "Stop",
	MsgError:           "Error",
	MsgMonitor:         "Monitor",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is the envelope written on the wire for every message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the given type and data
func NewMessage(msgType MessageType, data any) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      dataBytes,
	}, nil
}

// Decode decodes message data into the provided value
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Payload is implemented by every typed message so it can be wrapped
// without the caller naming its type.
type Payload interface {
	MessageType() MessageType
}

// Wrap builds the envelope for a typed message.
func Wrap(p Payload) (*Message, error) {
	return NewMessage(p.MessageType(), p)
}

// Unwrap decodes the envelope into its typed message.
func Unwrap(m *Message) (Payload, error) {
	var p Payload
	switch m.Type {
	case MsgServerStart:
		p = &ServerStartMsg{}
	case MsgReplServerStart:
		p = &ReplServerStartMsg{}
	case MsgStartECLSession:
		p = &StartECLSessionMsg{}
	case MsgHandshakeReply:
		p = &HandshakeReply{}
	case MsgUpdate:
		p = &UpdateMsg{}
	case MsgWindow:
		p = &WindowMsg{}
	case MsgHeartbeat:
		p = &HeartbeatMsg{}
	case MsgTopology:
		p = &TopologyMsg{}
	case MsgECLUpdate:
		p = &ECLUpdateMsg{}
	case MsgDone:
		p = &DoneMsg{}
	case MsgStop:
		p = &StopMsg{}
	case MsgError:
		p = &ErrorMsg{}
	case MsgMonitor:
		p = &MonitorMsg{}
	default:
		return nil, fmt.Errorf("unknown message type %s", m.Type)
	}
	if len(m.Data) == 0 {
		return p, nil
	}
	if err := m.Decode(p); err != nil {
		return nil, err
	}
	return p, nil
}
