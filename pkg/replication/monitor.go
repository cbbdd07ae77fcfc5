package replication

import (
	"encoding/json"
	"time"

	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
)

// Monitor returns a monitoring snapshot of the server and its domains.
func (rs *ReplicationServer) Monitor() *protocol.MonitorMsg {
	m := &protocol.MonitorMsg{
		ServerID:   rs.ServerID(),
		InstanceID: rs.instanceID,
		ServerURL:  rs.ServerURL(),
		FirstCN:    rs.OldestChangeNumber(),
		LastCN:     rs.NewestChangeNumber(),
	}
	for _, d := range rs.Domains() {
		m.Domains = append(m.Domains, d.Monitor())
	}
	return m
}

// runMonitor refreshes the metrics and publishes a snapshot every
// monitoring period.
func (rs *ReplicationServer) runMonitor() {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.Config().MonitoringPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-rs.stopCh:
			return
		case <-rs.monitorReset:
			ticker.Reset(rs.Config().MonitoringPeriod)
		case <-ticker.C:
			rs.publishMonitor()
		}
	}
}

func (rs *ReplicationServer) publishMonitor() {
	m := rs.Monitor()
	rs.metrics.SetChangeNumbers(m.FirstCN, m.LastCN)
	for _, d := range m.Domains {
		rs.metrics.SetGenerationID(d.BaseDN, d.GenerationID)
	}
	rs.metrics.UpdateSystemMetrics()
	rs.publish(TopicMonitor, m)
}

// publishTopology forwards a domain's topology to monitor subscribers.
func (rs *ReplicationServer) publishTopology(t *protocol.TopologyMsg) {
	rs.publish(TopicTopology, t)
}

func (rs *ReplicationServer) publish(topic string, p protocol.Payload) {
	if rs.publisher == nil {
		return
	}
	msg, err := protocol.Wrap(p)
	if err != nil {
		rs.logger.Warn("monitor snapshot not encoded", logging.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		rs.logger.Warn("monitor snapshot not encoded", logging.Error(err))
		return
	}
	if err := rs.publisher.Publish(topic, data); err != nil {
		rs.logger.Debug("monitor snapshot not published", logging.String("topic", topic), logging.Error(err))
	}
}
