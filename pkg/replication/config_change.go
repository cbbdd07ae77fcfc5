package replication

import (
	"fmt"
	"net"
	"reflect"
	"slices"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
)

// ResultCode summarizes the outcome of a configuration change.
type ResultCode string

const (
	ResultSuccess             ResultCode = "success"
	ResultConstraintViolation ResultCode = "constraint_violation"
	ResultOther               ResultCode = "other"
)

// ConfigChangeResult reports what ApplyConfigurationChange did.
type ConfigChangeResult struct {
	ResultCode ResultCode
	Messages   []string
	// AdminActionRequired is set when part of the change only applies
	// after a restart.
	AdminActionRequired bool
}

func (r *ConfigChangeResult) fail(code ResultCode, format string, args ...any) {
	r.ResultCode = code
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// IsConfigurationAcceptable checks next without applying it.
func (rs *ReplicationServer) IsConfigurationAcceptable(next ServerConfig) (bool, []string) {
	next = next.Clone()
	next.ApplyDefaults()

	var msgs []string
	if err := next.Validate(); err != nil {
		msgs = append(msgs, err.Error())
	}
	if next.ListenAddr != rs.Config().ListenAddr && !rs.boundTo(next.ListenAddr) {
		ln, err := net.Listen("tcp", next.ListenAddr)
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("cannot listen on %s: %v", next.ListenAddr, err))
		} else {
			ln.Close()
		}
	}
	return len(msgs) == 0, msgs
}

// boundTo reports whether the listener is already bound to addr.
func (rs *ReplicationServer) boundTo(addr string) bool {
	a := rs.Addr()
	return a != nil && a.String() == addr
}

// ApplyConfigurationChange switches the running server to next. Peers
// removed from the configuration are disconnected, changelog settings are
// applied, the listener moves when the address changed, a new group id
// makes every peer reconnect and a new weight is announced. Changelog
// location and server id changes are reported as needing a restart.
func (rs *ReplicationServer) ApplyConfigurationChange(next ServerConfig) ConfigChangeResult {
	res := ConfigChangeResult{ResultCode: ResultSuccess}
	defer func() {
		rs.metrics.RecordConfigChange(string(res.ResultCode))
	}()

	next = next.Clone()
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		res.fail(ResultConstraintViolation, "%v", err)
		return res
	}

	rs.changeMu.Lock()
	defer rs.changeMu.Unlock()

	prev := rs.Config()
	running := rs.isRunning()

	if next.ServerID != prev.ServerID {
		res.AdminActionRequired = true
		res.Messages = append(res.Messages, "server id change applies after restart")
		next.ServerID = prev.ServerID
	}
	if next.DBImplementation != prev.DBImplementation || next.DBDirectory != prev.DBDirectory ||
		next.DBURL != prev.DBURL || next.DBCompress != prev.DBCompress {
		res.AdminActionRequired = true
		res.Messages = append(res.Messages, "changelog database change applies after restart")
		next.DBImplementation, next.DBDirectory = prev.DBImplementation, prev.DBDirectory
		next.DBURL, next.DBCompress = prev.DBURL, prev.DBCompress
	}
	if next.MonitorPublishAddr != prev.MonitorPublishAddr || next.MonitorTransport != prev.MonitorTransport {
		res.AdminActionRequired = true
		res.Messages = append(res.Messages, "monitor publisher change applies after restart")
		next.MonitorPublishAddr, next.MonitorTransport = prev.MonitorPublishAddr, prev.MonitorTransport
	}

	if running && !reflect.DeepEqual(next.TLS, prev.TLS) {
		if err := rs.loadTLS(next); err != nil {
			res.fail(ResultOther, "%v", err)
			next.TLS = prev.TLS
		}
	}
	if running && next.ListenAddr != prev.ListenAddr && !rs.boundTo(next.ListenAddr) {
		if err := rs.restartListener(next.ListenAddr); err != nil {
			res.fail(ResultOther, "%v", err)
			next.ListenAddr = prev.ListenAddr
		}
	}

	rs.cfgMu.Lock()
	rs.cfg = next
	rs.cfgMu.Unlock()
	if running && next.ServerURL != prev.ServerURL {
		if a := rs.Addr(); a != nil {
			rs.setServerURL(next, a)
		}
	}
	if !running {
		rs.logger.Info("configuration changed", logging.String("result", string(res.ResultCode)))
		return res
	}

	if removed := removedPeers(prev.Peers, next.Peers); len(removed) > 0 {
		rs.stopRemovedPeers(removed, next.Peers)
	}
	rs.changelog.SetPurgeDelay(next.PurgeDelay)
	rs.changelog.SetComputeChangeNumber(next.ComputeChangeNumber)

	for _, dn := range next.BaseDNs {
		if _, err := rs.Domain(dn, true); err != nil {
			res.fail(ResultOther, "create domain %s: %v", dn, err)
		}
	}

	if next.MonitoringPeriod != prev.MonitoringPeriod {
		for _, d := range rs.Domains() {
			d.UpdateMonitoringPeriod(next.MonitoringPeriod)
		}
		select {
		case rs.monitorReset <- struct{}{}:
		default:
		}
	}

	switch {
	case next.GroupID != prev.GroupID:
		for _, d := range rs.Domains() {
			d.StopAllServers()
		}
	case next.Weight != prev.Weight:
		for _, d := range rs.Domains() {
			d.SendTopologyToAll()
		}
	}

	rs.wakeConnect()
	rs.logger.Info("configuration changed",
		logging.String("result", string(res.ResultCode)),
		logging.Bool("admin_action_required", res.AdminActionRequired))
	return res
}

func removedPeers(prev, next []string) []string {
	var out []string
	for _, addr := range prev {
		if !slices.Contains(next, addr) {
			out = append(out, addr)
		}
	}
	return out
}
