package health

import "time"

// SimpleCheck returns a healthy check.
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// ChangelogCheck reports the changelog database unhealthy when ping fails.
func ChangelogCheck(ping func() error) CheckFunc {
	return func() Check {
		check := Check{Name: "changelog"}
		if err := ping(); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		check.Status = StatusHealthy
		check.Message = "Open"
		return check
	}
}

// ListenerCheck reports whether the replication port is bound. addr
// returns the empty string when it is not.
func ListenerCheck(addr func() string) CheckFunc {
	return func() Check {
		check := Check{Name: "listener"}
		a := addr()
		if a == "" {
			check.Status = StatusUnhealthy
			check.Message = "Replication port not bound"
			return check
		}
		check.Status = StatusHealthy
		check.Details = map[string]any{"addr": a}
		return check
	}
}

// PeerMeshCheck reports how many configured replication servers are
// connected. A server with no configured peers is standalone and healthy.
func PeerMeshCheck(getMesh func() (configured, connected int)) CheckFunc {
	return func() Check {
		configured, connected := getMesh()
		check := Check{
			Name: "replication_servers",
			Details: map[string]any{
				"configured": configured,
				"connected":  connected,
			},
		}

		switch {
		case configured == 0:
			check.Status = StatusHealthy
			check.Message = "Standalone"
		case connected == 0:
			check.Status = StatusDegraded
			check.Message = "No replication server connected"
		case connected < configured:
			check.Status = StatusDegraded
			check.Message = "Some replication servers unreachable"
		default:
			check.Status = StatusHealthy
			check.Message = "All replication servers connected"
		}
		return check
	}
}

// BacklogCheck degrades when any data server is behind by more than the
// degraded status threshold.
func BacklogCheck(getBacklog func() (degraded, maxBacklog int)) CheckFunc {
	return func() Check {
		degraded, maxBacklog := getBacklog()
		check := Check{
			Name: "backlog",
			Details: map[string]any{
				"degraded_data_servers": degraded,
				"max_backlog":           maxBacklog,
			},
		}
		if degraded > 0 {
			check.Status = StatusDegraded
			check.Message = "Data servers in degraded status"
			return check
		}
		check.Status = StatusHealthy
		return check
	}
}
