// Package jobmanager owns the per-pool job pipeline: daemon-health
// gating at startup, block-template polling and job versioning, share
// submission and validation dispatch, block submission, and the
// observable job broadcast stream.
package jobmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yuriy0803/stratum-pool-core/internal/bus"
	"github.com/yuriy0803/stratum-pool-core/internal/daemon"
	"github.com/yuriy0803/stratum-pool-core/internal/job"
	"github.com/yuriy0803/stratum-pool-core/internal/stratumproto"
)

// retry delays for the blocking startup gates (waitDaemonHealthy,
// waitDaemonConnected, waitDaemonSynched).
const (
	startupRetryDelay      = 5 * time.Second
	startupLongRetryDelay  = 10 * time.Second
)

// notSynchedCodes maps the coin-specific "node still syncing" JSON-RPC
// error code a getblocktemplate call returns while the daemon catches up.
var notSynchedCodes = map[int]bool{
	-10: true, // Bitcoin-family
	-9:  true, // Monero-family
}

// Config holds the per-pool tunables the JobManager's lifecycle and poll
// loop need.
type Config struct {
	PoolID                string
	Coin                  string
	Network               string
	BlockRefreshInterval  time.Duration
	JobRebroadcastTimeout time.Duration
	TemplateParams        interface{} // getblocktemplate params, coin-specific
}

// JobBroadcast is one emission of the Jobs stream: a job, and whether
// miners must discard in-flight work (new tip) or may keep mining (forced
// rebroadcast, same tip).
type JobBroadcast struct {
	Job       *job.Job
	CleanJobs bool
}

// Manager owns one pool's job pipeline.
type Manager struct {
	cfg     Config
	rpc     *daemon.Client
	builder job.JobBuilder
	bus     bus.Bus
	log     *logrus.Entry

	registry *job.Registry
	stats    *job.BlockchainStats

	jobLock    sync.Mutex
	nextJobID  uint64
	lastNewTip time.Time

	submitBlockSupported atomic.Bool

	daemonCallTotal  atomic.Int64
	blockSubmitTotal atomic.Int64

	broadcastMu sync.RWMutex
	subscribers []chan JobBroadcast
}

func New(cfg Config, rpc *daemon.Client, builder job.JobBuilder, bus bus.Bus, log *logrus.Entry, registry *job.Registry) *Manager {
	if registry == nil {
		registry = job.NewRegistry(job.ClearOnNewTip, 3)
	}
	return &Manager{
		cfg:      cfg,
		rpc:      rpc,
		builder:  builder,
		bus:      bus,
		log:      log,
		registry: registry,
		stats:    &job.BlockchainStats{},
	}
}

// Registry exposes the job registry for read-only inspection (admin/health
// surfaces); share validation always goes through SubmitShare.
func (m *Manager) Registry() *job.Registry { return m.registry }

// Stats returns a snapshot of the pool's blockchain state.
func (m *Manager) Stats() job.BlockchainStats { return m.stats.Snapshot() }

// PoolID and Coin expose the pool's static identity for admin/health surfaces.
func (m *Manager) PoolID() string { return m.cfg.PoolID }
func (m *Manager) Coin() string   { return m.cfg.Coin }

// DaemonClient exposes the pool's daemon fan-out client for admin/health
// surfaces (e.g. adminhttp's /healthz probe).
func (m *Manager) DaemonClient() *daemon.Client { return m.rpc }

// JobHeight reports the height of the most recently constructed job, or 0 if
// none has been constructed yet.
func (m *Manager) JobHeight() uint64 {
	if j := m.registry.Current(); j != nil {
		return j.Template.Height()
	}
	return 0
}

// NetworkDifficulty is a convenience accessor over Stats() for admin/health
// surfaces that only need the single value.
func (m *Manager) NetworkDifficulty() float64 { return m.stats.Snapshot().NetworkDifficulty }

// Subscribe registers a new observer of the job broadcast stream. Late
// subscribers do not receive a replay — only emissions after Subscribe
// returns. The returned channel has capacity 1 (latest-wins); a slow
// subscriber observes the most recent broadcast, not every one.
func (m *Manager) Subscribe() <-chan JobBroadcast {
	ch := make(chan JobBroadcast, 1)
	m.broadcastMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.broadcastMu.Unlock()
	return ch
}

func (m *Manager) emit(jb JobBroadcast) {
	m.broadcastMu.RLock()
	defer m.broadcastMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- jb:
		default:
			// latest-wins: drain the stale pending value then push the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- jb:
			default:
			}
		}
	}
	m.bus.PublishJobBroadcast(bus.JobBroadcastEvent{
		PoolID:    m.cfg.PoolID,
		JobID:     jb.Job.ID,
		CleanJobs: jb.CleanJobs,
	})
}

// Start runs the JobManager lifecycle: health/sync gating, post-start
// init, then the poll loop and rebroadcast watchdog. It blocks until ctx
// is cancelled or a fatal startup error occurs.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.waitDaemonHealthy(ctx); err != nil {
		return err
	}
	if err := m.waitDaemonConnected(ctx); err != nil {
		return err
	}
	if err := m.waitDaemonSynched(ctx); err != nil {
		return err
	}
	if err := m.postStartInit(ctx); err != nil {
		return err
	}

	m.setupJobStream(ctx)
	return nil
}

func (m *Manager) waitDaemonHealthy(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		responses := m.rpc.ExecuteAll(ctx, "getinfo", nil)
		allHealthy := len(responses) > 0
		for _, r := range responses {
			if !r.Success() {
				allHealthy = false
			}
		}
		if allHealthy {
			return nil
		}
		m.log.Warn("waiting for daemon(s) to become healthy")
		if err := sleep(ctx, startupRetryDelay); err != nil {
			return err
		}
	}
}

type getInfoResult struct {
	Connections int `json:"connections"`
}

func (m *Manager) waitDaemonConnected(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		responses := m.rpc.ExecuteAll(ctx, "getinfo", nil)
		for _, r := range responses {
			if !r.Success() {
				continue
			}
			var info getInfoResult
			if err := json.Unmarshal(r.Result, &info); err == nil && info.Connections > 0 {
				return nil
			}
		}
		m.log.Warn("waiting for daemon to report peer connections")
		if err := sleep(ctx, startupRetryDelay); err != nil {
			return err
		}
	}
}

func (m *Manager) waitDaemonSynched(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp := m.rpc.ExecuteAny(ctx, "getblocktemplate", m.cfg.TemplateParams)
		if resp.Success() {
			return nil
		}
		if resp.Error != nil && notSynchedCodes[resp.Error.Code] {
			m.log.Info("daemon still synchronizing")
			if err := sleep(ctx, startupRetryDelay); err != nil {
				return err
			}
			continue
		}
		// Any other startup error is fatal per the error propagation policy.
		return fmt.Errorf("daemon sync check failed: %s", resp.Error)
	}
}

func (m *Manager) postStartInit(ctx context.Context) error {
	if m.builder == nil {
		return fmt.Errorf("%w: no JobBuilder registered for coin %q network %q", ErrUnknownChain, m.cfg.Coin, m.cfg.Network)
	}

	probe := m.rpc.ExecuteAny(ctx, "submitblock", []interface{}{})
	m.submitBlockSupported.Store(probeIndicatesSupport(probe))

	if err := m.refresh(ctx, true); err != nil {
		return fmt.Errorf("initial template fetch failed: %w", err)
	}
	return nil
}

// probeIndicatesSupport interprets the result of calling submitblock with
// no arguments: a -1 argument error, or any error other than -32601
// "method not found", means the RPC exists and rejected the bad arguments;
// "method not found" means the node does not offer submitblock.
func probeIndicatesSupport(resp daemon.Response) bool {
	if resp.Success() {
		return true
	}
	if resp.Error == nil {
		return false
	}
	switch resp.Error.Code {
	case -1:
		return true
	case -32601: // method not found -> not supported
		return false
	default:
		return true
	}
}

func (m *Manager) setupJobStream(ctx context.Context) {
	interval := m.cfg.BlockRefreshInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.refresh(ctx, false); err != nil {
					m.log.WithError(err).Warn("job update failed; previous job remains current")
				}
			}
		}
	}()

	go m.rebroadcastWatchdog(ctx)
}

func (m *Manager) rebroadcastWatchdog(ctx context.Context) {
	timeout := m.cfg.JobRebroadcastTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	if timeout/4 <= 0 {
		ticker = time.NewTicker(time.Second)
	}
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.jobLock.Lock()
			since := time.Since(m.lastNewTip)
			m.jobLock.Unlock()
			if since >= timeout {
				if err := m.refresh(ctx, true); err != nil {
					m.log.WithError(err).Warn("forced rebroadcast refresh failed")
				}
			}
		}
	}
}

// refresh implements UpdateJob (spec §4.3): fetch a template, detect
// whether it represents a new chain tip, and — if new or forced —
// construct and register a new job, broadcasting it to subscribers.
func (m *Manager) refresh(ctx context.Context, forceUpdate bool) error {
	start := time.Now()
	resp := m.rpc.ExecuteAny(ctx, "getblocktemplate", m.cfg.TemplateParams)
	m.bus.PublishTelemetry(bus.TelemetryEvent{
		PoolID:   m.cfg.PoolID,
		Category: "daemon",
		Elapsed:  time.Since(start),
		Success:  resp.Success(),
		Total:    m.daemonCallTotal.Add(1),
	})
	if !resp.Success() {
		return fmt.Errorf("getblocktemplate: %s", resp.Error)
	}

	tpl, err := m.builder.ParseTemplate(resp.Result)
	if err != nil {
		return fmt.Errorf("parsing template: %w", err)
	}

	m.jobLock.Lock()
	current := m.registry.Current()
	isNew := current == nil
	if !isNew {
		isNew = current.Template.PreviousHash() != tpl.PreviousHash() || current.Template.Height() < tpl.Height()
	}

	if !isNew && !forceUpdate {
		m.jobLock.Unlock()
		return nil
	}

	id := m.allocateJobID()
	newJob, err := m.builder.Construct(id, tpl)
	if err != nil {
		m.jobLock.Unlock()
		return fmt.Errorf("constructing job: %w", err)
	}

	if isNew {
		m.lastNewTip = time.Now()
		m.stats.Update(func(s *job.BlockchainStats) {
			s.BlockHeight = tpl.Height()
			s.LastNetworkBlockTime = time.Now()
		})
	}
	m.registry.Insert(newJob, isNew)
	m.jobLock.Unlock()

	m.emit(JobBroadcast{Job: newJob, CleanJobs: isNew})
	return nil
}

// allocateJobID returns the next-sequential hex job id for this pool.
// Monotonically increasing, one call always yields a distinct string from
// every prior call.
func (m *Manager) allocateJobID() string {
	n := atomic.AddUint64(&m.nextJobID, 1)
	return fmt.Sprintf("%x", n)
}

// SubmitShare validates a submitted share against the referenced job and
// returns the assembled Share (see spec §4.3 / §8 invariant 2). connDiff
// is the submitting connection's current stratum difficulty.
func (m *Manager) SubmitShare(jobID string, params job.ShareParams, extraNonce1, ipAddress, worker string, connDiff float64) (*job.Share, error) {
	m.jobLock.Lock()
	j, ok := m.registry.Lookup(jobID)
	m.jobLock.Unlock()
	if !ok {
		return nil, stratumproto.JobNotFound()
	}

	stats := m.stats.Snapshot()
	if stats.BlockHeight == 0 {
		return nil, fmt.Errorf("jobmanager: share rejected: pool stats not yet populated (no successful refresh since startup)")
	}
	if connDiff <= 0 {
		return nil, fmt.Errorf("invalid connection difficulty %v", connDiff)
	}

	minDiff := stats.NetworkDifficulty
	if minDiff <= 0 || connDiff < minDiff {
		minDiff = connDiff
	}

	result, err := m.builder.ProcessShare(j, params, extraNonce1, minDiff)
	if err != nil {
		if err == job.ErrDuplicate {
			return nil, stratumproto.DuplicateShare()
		}
		return nil, err
	}

	if !result.IsBlockCandidate && result.ShareDifficulty/connDiff < 0.99 {
		return nil, stratumproto.LowDifficultyShare(result.ShareDifficulty)
	}

	share := &job.Share{
		PoolID:            m.cfg.PoolID,
		Worker:            worker,
		IPAddress:         ipAddress,
		Difficulty:        connDiff,
		NetworkDifficulty: stats.NetworkDifficulty,
		BlockHeight:       stats.BlockHeight,
		IsBlockCandidate:  result.IsBlockCandidate,
		BlockHash:         result.BlockHash,
		BlockHex:          result.BlockHex,
		SubmittedAt:       time.Now(),
	}
	if share.NetworkDifficulty <= 0 {
		share.NetworkDifficulty = minDiff
	}

	if share.IsBlockCandidate {
		accepted, coinbaseHash, err := m.SubmitBlock(context.Background(), share)
		if err != nil {
			m.log.WithError(err).Warn("block submission errored")
		}
		if accepted {
			share.TransactionConfirmationData = coinbaseHash
		} else {
			share.IsBlockCandidate = false
			share.TransactionConfirmationData = ""
		}
	}

	m.bus.PublishShare(bus.ClientShare{
		PoolID:      m.cfg.PoolID,
		Worker:      worker,
		IPAddress:   ipAddress,
		Share:       *share,
		PublishedAt: time.Now(),
	})

	return share, nil
}

// SubmitBlock submits a block candidate to the daemon and independently
// confirms acceptance via getblock, per §4.3.
func (m *Manager) SubmitBlock(ctx context.Context, share *job.Share) (accepted bool, coinbaseTxHash string, err error) {
	start := time.Now()
	defer func() {
		m.bus.PublishTelemetry(bus.TelemetryEvent{
			PoolID:   m.cfg.PoolID,
			Category: "blockSubmit",
			Elapsed:  time.Since(start),
			Success:  accepted,
			Total:    m.blockSubmitTotal.Add(1),
		})
	}()

	var resp daemon.Response
	if m.submitBlockSupported.Load() {
		resp = m.rpc.ExecuteAny(ctx, "submitblock", []interface{}{share.BlockHex})
	} else {
		resp = m.rpc.ExecuteAny(ctx, "getblocktemplate", map[string]interface{}{"mode": "submit", "data": share.BlockHex})
	}
	if !resp.Success() {
		return false, "", fmt.Errorf("block submission failed: %s", resp.Error)
	}

	confirm := m.rpc.ExecuteAny(ctx, "getblock", []interface{}{share.BlockHash})
	if !confirm.Success() {
		return false, "", fmt.Errorf("block confirmation failed: %s", confirm.Error)
	}

	var block struct {
		Hash string `json:"hash"`
		Tx   []string `json:"tx"`
	}
	if err := json.Unmarshal(confirm.Result, &block); err != nil {
		return false, "", fmt.Errorf("decoding getblock result: %w", err)
	}
	if block.Hash != share.BlockHash {
		return false, "", nil
	}

	coinbaseTxHash = ""
	if len(block.Tx) > 0 {
		coinbaseTxHash = block.Tx[0]
	}
	return true, coinbaseTxHash, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
