package protocol

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/csn"
)

// ServerStartMsg opens a session from a data server.
type ServerStartMsg struct {
	ServerID          uint16          `json:"server_id"`
	ServerURL         string          `json:"server_url"`
	BaseDN            string          `json:"base_dn"`
	GenerationID      int64           `json:"generation_id"`
	WindowSize        int             `json:"window_size"`
	GroupID           uint8           `json:"group_id"`
	HeartbeatInterval time.Duration   `json:"heartbeat_interval"`
	ServerState       csn.ServerState `json:"server_state"`
	ProtocolVersion   int             `json:"protocol_version"`
}

func (*ServerStartMsg) MessageType() MessageType { return MsgServerStart }

// ReplServerStartMsg opens a session from a replication server, and is
// returned in the handshake reply to describe the accepting server.
type ReplServerStartMsg struct {
	ServerID                uint16          `json:"server_id"`
	ServerURL               string          `json:"server_url"`
	BaseDN                  string          `json:"base_dn"`
	GenerationID            int64           `json:"generation_id"`
	WindowSize              int             `json:"window_size"`
	GroupID                 uint8           `json:"group_id"`
	Weight                  int             `json:"weight"`
	DegradedStatusThreshold int             `json:"degraded_status_threshold"`
	HeartbeatInterval       time.Duration   `json:"heartbeat_interval"`
	ServerState             csn.ServerState `json:"server_state"`
	ProtocolVersion         int             `json:"protocol_version"`
}

func (*ReplServerStartMsg) MessageType() MessageType { return MsgReplServerStart }

// ReplyCode tells the initiator of a session why it was accepted or refused.
type ReplyCode string

const (
	ReplyOK                   ReplyCode = "ok"
	ReplyGenerationIDMismatch ReplyCode = "generation_id_mismatch"
	ReplyAlreadyConnected     ReplyCode = "already_connected"
	ReplyProtocolError        ReplyCode = "protocol_error"
	ReplyShuttingDown         ReplyCode = "shutting_down"
	ReplyResyncRequired       ReplyCode = "resync_required"
	ReplyRejected             ReplyCode = "rejected"
)

// HandshakeReply answers every start message.
type HandshakeReply struct {
	Code    ReplyCode `json:"code"`
	Message string    `json:"message,omitempty"`
	// Server describes the accepting replication server when Code is ok.
	Server *ReplServerStartMsg `json:"server,omitempty"`
	// SessionID identifies an accepted external changelog session.
	SessionID string `json:"session_id,omitempty"`
}

func (*HandshakeReply) MessageType() MessageType { return MsgHandshakeReply }

// Accepted reports whether the session was accepted.
func (r *HandshakeReply) Accepted() bool { return r.Code == ReplyOK }

func (r *HandshakeReply) String() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}
