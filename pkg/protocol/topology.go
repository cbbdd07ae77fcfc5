package protocol

import (
	"github.com/dd0wney/cluso-changelog/pkg/csn"
)

// DSStatus is the replication status of a data server.
type DSStatus string

const (
	StatusNormal   DSStatus = "normal"
	StatusDegraded DSStatus = "degraded"
)

// DSInfo describes a data server connected to some replication server.
type DSInfo struct {
	ServerID     uint16   `json:"server_id"`
	RSServerID   uint16   `json:"rs_server_id"`
	URL          string   `json:"url"`
	GenerationID int64    `json:"generation_id"`
	GroupID      uint8    `json:"group_id"`
	Status       DSStatus `json:"status"`
}

// RSInfo describes a replication server of the topology.
type RSInfo struct {
	ServerID     uint16 `json:"server_id"`
	URL          string `json:"url"`
	GenerationID int64  `json:"generation_id"`
	GroupID      uint8  `json:"group_id"`
	Weight       int    `json:"weight"`
	DSCount      int    `json:"ds_count"`
}

// TopologyMsg is broadcast when peers join or leave a domain, or when a
// replication server's weight or group changes.
type TopologyMsg struct {
	BaseDN             string   `json:"base_dn"`
	DataServers        []DSInfo `json:"data_servers"`
	ReplicationServers []RSInfo `json:"replication_servers"`
}

func (*TopologyMsg) MessageType() MessageType { return MsgTopology }

// DomainMonitor is the monitoring snapshot of one replication domain.
type DomainMonitor struct {
	BaseDN          string          `json:"base_dn"`
	GenerationID    int64           `json:"generation_id"`
	DataServers     []DSInfo        `json:"data_servers"`
	ReplServers     []RSInfo        `json:"replication_servers"`
	OldestState     csn.ServerState `json:"oldest_state"`
	NewestState     csn.ServerState `json:"newest_state"`
	StoredChanges   int64           `json:"stored_changes"`
	Backlog         int             `json:"backlog"`
	MaxBacklog      int             `json:"max_backlog"`
	AvgBacklog      float64         `json:"avg_backlog"`
	UpdatesReceived uint64          `json:"updates_received"`
}

// MonitorMsg is published every monitoring period.
type MonitorMsg struct {
	ServerID   uint16          `json:"server_id"`
	InstanceID string          `json:"instance_id"`
	ServerURL  string          `json:"server_url"`
	Domains    []DomainMonitor `json:"domains"`
	FirstCN    int64           `json:"first_change_number"`
	LastCN     int64           `json:"last_change_number"`
}

func (*MonitorMsg) MessageType() MessageType { return MsgMonitor }
