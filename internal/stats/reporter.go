// Package stats periodically logs each pool's blockchain and connection
// state. It is not a metrics/telemetry pipeline — that is an explicit
// non-goal — just a structured heartbeat line an operator can grep.
package stats

import (
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

// PoolSource is the narrow view a pool must expose to be reported on;
// jobmanager.Manager satisfies it and stratumserver.Server supplies the
// connection count, composed together by cmd/poolcore.
type PoolSource interface {
	PoolID() string
	Coin() string
	ConnectionCount() int
	JobHeight() uint64
	NetworkDifficulty() float64
}

// Reporter schedules a recurring snapshot log of every registered pool.
type Reporter struct {
	cron  *cron.Cron
	pools func() []PoolSource
	log   *logrus.Entry
}

// New builds a Reporter. schedule is a standard five-field cron expression
// (minute hour day-of-month month day-of-week), e.g. "* * * * *" for once a
// minute.
func New(schedule string, pools func() []PoolSource, log *logrus.Entry) (*Reporter, error) {
	r := &Reporter{cron: cron.New(), pools: pools, log: log}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, err
	}
	r.cron.Schedule(sched, cron.FuncJob(r.logSnapshot))
	return r, nil
}

// Start begins the cron schedule; it returns immediately.
func (r *Reporter) Start() { r.cron.Start() }

// Stop halts the schedule; any in-flight tick completes first.
func (r *Reporter) Stop() { r.cron.Stop() }

func (r *Reporter) logSnapshot() {
	for _, p := range r.pools() {
		r.log.WithFields(logrus.Fields{
			"pool":              p.PoolID(),
			"coin":              p.Coin(),
			"connections":       p.ConnectionCount(),
			"jobHeight":         p.JobHeight(),
			"networkDifficulty": p.NetworkDifficulty(),
		}).Info("pool stats")
	}
}
