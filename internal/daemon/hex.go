package daemon

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DecodeDifficultyBits converts a compact "nBits" hex string (as returned
// by getblocktemplate/getblockchaininfo), with or without a 0x prefix, into
// the big-integer target those bits imply. go-ethereum's hexutil
// already understands the "0x"-prefixed quantities JSON-RPC daemons speak,
// so this reuses it rather than hand-rolling hex/bigint parsing.
func DecodeDifficultyBits(bits string) (target *big.Int, err error) {
	n, err := hexutil.DecodeUint64(ensure0x(bits))
	if err != nil {
		return nil, err
	}
	return CompactToBig(uint32(n)), nil
}

// CompactToBig expands a Bitcoin-style compact difficulty representation
// into its full big.Int target.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := uint(compact >> 24)

	var result big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		result.SetUint64(uint64(mantissa))
		return &result
	}

	result.SetUint64(uint64(mantissa))
	result.Lsh(&result, 8*(exponent-3))
	return &result
}

// HashToBig reads a 32-byte hash (big-endian, as returned by daemons) into
// a big.Int for difficulty comparison against a network target.
func HashToBig(hash common.Hash) *big.Int {
	return new(big.Int).SetBytes(hash[:])
}

func ensure0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s
	}
	return "0x" + s
}
