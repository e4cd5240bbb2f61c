// Package job owns the per-pool Job/JobRegistry/BlockchainStats data model
// and the external HashAlgorithm/JobBuilder collaborator interfaces the Job
// Manager delegates coin-specific work to.
package job

import (
	"encoding/json"
	"sync"
	"time"
)

// Template is opaque to the core: whatever the coin-specific JobBuilder
// needs to reconstruct a header and hash candidate nonces.
type Template interface {
	// Height is the block height this template targets.
	Height() uint64
	// PreviousHash identifies the chain tip this template builds on.
	PreviousHash() string
}

// ShareParams is the coin-family-specific parsed submission: Bitcoin-family
// is [worker, jobId, extraNonce2, nTime, nonce]; other families differ in
// shape, which is why this is opaque to the core and owned by JobBuilder.
type ShareParams interface {
	// DuplicateKey returns the tuple identity used for duplicate detection,
	// e.g. (extraNonce1, extraNonce2, nTime, nonce) joined into one string.
	DuplicateKey(extraNonce1 string) string
}

// ShareResult is what a JobBuilder.ProcessShare call computes.
type ShareResult struct {
	ShareDifficulty float64
	IsBlockCandidate bool
	BlockHash        string
	BlockHex         string
	NetworkTarget    string
}

// JobBuilder is the external, coin-specific collaborator: constructs jobs
// from block templates and validates submitted shares against them. One
// implementation per coin family; the core only calls the operations below.
type JobBuilder interface {
	// ParseTemplate decodes a raw getblocktemplate-family JSON-RPC result
	// into the coin's own Template representation.
	ParseTemplate(raw json.RawMessage) (Template, error)
	// Construct builds a new Job from a freshly fetched block template.
	Construct(id string, tpl Template) (*Job, error)
	// ParseShareParams decodes a mining.submit params array (minus the
	// leading worker/jobId fields, which the core already owns) into the
	// coin's own ShareParams representation.
	ParseShareParams(raw []json.RawMessage) (ShareParams, error)
	// ProcessShare re-derives the header for this job, hashes it via the
	// coin's HashAlgorithm, and reports the share difficulty and whether it
	// is a block candidate; the job manager rejects low-difficulty shares
	// from the reported difficulty. minDiff is min(networkDifficulty, stratumDifficulty).
	// extraNonce1 is the connection-specific value assigned at subscribe time.
	ProcessShare(j *Job, params ShareParams, extraNonce1 string, minDiff float64) (ShareResult, error)
	// ValidJobParams returns the coin-specific mining.notify parameter
	// array for a job, e.g. [jobId, prevhash, coinb1, coinb2, merkleBranch,
	// version, nbits, ntime, cleanJobs] for Bitcoin-family coins.
	ValidJobParams(j *Job, cleanJobs bool) []interface{}
}

// HashAlgorithm is the pluggable per-coin proof-of-work function. JobBuilder
// implementations consume one; the core never calls it directly.
type HashAlgorithm interface {
	Name() string
	Hash(blob []byte) [32]byte
}

// Job is a work package derived from one block template version.
type Job struct {
	ID        string
	Template  Template
	CreatedAt time.Time

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewJob(id string, tpl Template) *Job {
	return &Job{
		ID:        id,
		Template:  tpl,
		CreatedAt: time.Now(),
		seen:      make(map[string]struct{}),
	}
}

// ErrDuplicate is returned by MarkSeen when the tuple key was already
// registered against this job.
var ErrDuplicate = &dupErr{}

type dupErr struct{}

func (*dupErr) Error() string { return "duplicate share" }

// MarkSeen registers a (extraNonce1, extraNonce2, nTime, nonce) tuple key
// against this job. Returns ErrDuplicate on a second match.
func (j *Job) MarkSeen(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.seen[key]; ok {
		return ErrDuplicate
	}
	j.seen[key] = struct{}{}
	return nil
}

// BlockchainStats is a single mutable snapshot of chain state per pool.
type BlockchainStats struct {
	mu sync.RWMutex

	BlockHeight          uint64
	NetworkDifficulty     float64
	NetworkHashRate       float64
	ConnectedPeers        int
	NetworkType           string
	RewardType            string
	LastNetworkBlockTime  time.Time
}

func (b *BlockchainStats) Snapshot() BlockchainStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BlockchainStats{
		BlockHeight:          b.BlockHeight,
		NetworkDifficulty:    b.NetworkDifficulty,
		NetworkHashRate:      b.NetworkHashRate,
		ConnectedPeers:       b.ConnectedPeers,
		NetworkType:          b.NetworkType,
		RewardType:           b.RewardType,
		LastNetworkBlockTime: b.LastNetworkBlockTime,
	}
}

func (b *BlockchainStats) Update(fn func(*BlockchainStats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}
