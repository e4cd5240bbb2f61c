package btcfamily

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// HashAlgorithm is the SHA256D proof-of-work function shared by Bitcoin and
// its direct descendants.
type HashAlgorithm struct{}

func (HashAlgorithm) Name() string { return "sha256d" }

func (HashAlgorithm) Hash(blob []byte) [32]byte {
	return chainhash.DoubleHashH(blob)
}
