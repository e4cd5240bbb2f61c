package job

import "time"

// Share is a submitted proof-of-work candidate, assembled synchronously
// inside JobManager.SubmitShare and released to the message bus — the core
// does not retain it.
type Share struct {
	PoolID      string
	Worker      string
	MinerAddress string
	IPAddress   string

	Difficulty        float64
	NetworkDifficulty float64
	BlockHeight       uint64

	IsBlockCandidate            bool
	BlockHash                   string
	BlockHex                    string
	TransactionConfirmationData string

	SubmittedAt time.Time
}

// Valid reports whether the share satisfies the core's output invariants:
// a positive height, a positive network difficulty, and — if flagged as a
// block candidate — both blockHash and blockHex populated.
func (s *Share) Valid() bool {
	if s.BlockHeight == 0 || s.NetworkDifficulty <= 0 {
		return false
	}
	if s.IsBlockCandidate && (s.BlockHash == "" || s.BlockHex == "") {
		return false
	}
	return true
}
