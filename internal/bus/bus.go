// Package bus is the core's fire-and-forget message bus: ClientShare,
// TelemetryEvent, and job-broadcast events are published for out-of-core
// consumers (a share/block repository, a metrics exporter, ...) with no
// backpressure on the core itself.
package bus

import (
	"encoding/json"
	"time"

	"github.com/yuriy0803/stratum-pool-core/internal/job"
)

// ClientShare is published once per processed share submission.
type ClientShare struct {
	PoolID     string    `json:"poolId"`
	Worker     string    `json:"worker"`
	IPAddress  string    `json:"ipAddress"`
	Share      job.Share `json:"share"`
	PublishedAt time.Time `json:"publishedAt"`
}

// TelemetryEvent is published for operationally interesting timed events
// (e.g. a daemon call, a block submission attempt).
type TelemetryEvent struct {
	PoolID   string        `json:"poolId"`
	Category string        `json:"category"`
	Elapsed  time.Duration `json:"elapsed"`
	Success  bool          `json:"success"`
	Total    int64         `json:"total"`
}

// JobBroadcastEvent mirrors a mining.notify fan-out, for out-of-core
// observers (dashboards, hashrate estimators) that want the same signal
// the connections receive.
type JobBroadcastEvent struct {
	PoolID    string `json:"poolId"`
	JobID     string `json:"jobId"`
	CleanJobs bool   `json:"cleanJobs"`
}

// Bus is the abstract publish surface the core depends on. Implementations
// are fire-and-forget: a publish failure is logged by the implementation,
// never returned to (or retried by) the core's calling code path.
type Bus interface {
	PublishShare(ClientShare)
	PublishTelemetry(TelemetryEvent)
	PublishJobBroadcast(JobBroadcastEvent)
}

// Noop discards every event; useful as a default Bus in tests and in
// configurations that run the core without any external consumer.
type Noop struct{}

func (Noop) PublishShare(ClientShare)               {}
func (Noop) PublishTelemetry(TelemetryEvent)        {}
func (Noop) PublishJobBroadcast(JobBroadcastEvent)  {}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
