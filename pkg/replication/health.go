package replication

import (
	"github.com/dd0wney/cluso-changelog/pkg/health"
)

// RegisterHealthChecks registers the server's checks with hc. Liveness
// only needs the replication port. Readiness also needs the changelog.
func (rs *ReplicationServer) RegisterHealthChecks(hc *health.HealthChecker) {
	listener := health.ListenerCheck(rs.listenAddr)
	db := health.ChangelogCheck(rs.pingChangelog)

	hc.Register(health.KindLiveness, "listener", listener)
	hc.Register(health.KindReadiness, "listener", listener)
	hc.Register(health.KindReadiness, "changelog", db)

	hc.Register(health.KindHealth, "listener", listener)
	hc.Register(health.KindHealth, "changelog", db)
	hc.Register(health.KindHealth, "replication_servers", health.PeerMeshCheck(rs.meshState))
	hc.Register(health.KindHealth, "backlog", health.BacklogCheck(rs.backlogState))
}

func (rs *ReplicationServer) listenAddr() string {
	if rs.stopping() {
		return ""
	}
	if a := rs.Addr(); a != nil {
		return a.String()
	}
	return ""
}

func (rs *ReplicationServer) pingChangelog() error {
	if !rs.isRunning() {
		return ErrNotRunning
	}
	return rs.changelog.Ping()
}

// meshState counts the configured peer connections over every domain.
func (rs *ReplicationServer) meshState() (configured, connected int) {
	cfg := rs.Config()
	for _, d := range rs.Domains() {
		for _, addr := range cfg.Peers {
			if rs.isSelf(addr) {
				continue
			}
			configured++
			if rs.connectedTo(d, addr) {
				connected++
			}
		}
	}
	return configured, connected
}

func (rs *ReplicationServer) backlogState() (degraded, maxBacklog int) {
	threshold := rs.Config().DegradedStatusThreshold
	for _, d := range rs.Domains() {
		for _, h := range d.Handlers(RoleDataServer) {
			maxBacklog = max(maxBacklog, h.Backlog())
			if h.Degraded(threshold) {
				degraded++
			}
		}
	}
	return degraded, maxBacklog
}
