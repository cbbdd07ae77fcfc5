package protocol

// WindowMsg returns send credits to the peer.
type WindowMsg struct {
	NumAck int `json:"num_ack"`
}

func (*WindowMsg) MessageType() MessageType { return MsgWindow }

// HeartbeatMsg keeps an idle session alive.
type HeartbeatMsg struct {
	Sequence uint64 `json:"sequence"`
}

func (*HeartbeatMsg) MessageType() MessageType { return MsgHeartbeat }

// StopMsg announces an orderly session close.
type StopMsg struct {
	Reason string `json:"reason,omitempty"`
}

func (*StopMsg) MessageType() MessageType { return MsgStop }

// ErrorMsg reports errors
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

func (*ErrorMsg) MessageType() MessageType { return MsgError }

func (e *ErrorMsg) Error() string {
	return e.Code + ": " + e.Message
}
