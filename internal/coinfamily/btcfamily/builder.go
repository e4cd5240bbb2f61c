package btcfamily

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/yuriy0803/stratum-pool-core/internal/daemon"
	"github.com/yuriy0803/stratum-pool-core/internal/job"
)

// pdiff1Target is the pool difficulty-1 target, the Bitcoin-family
// convention for translating a share's hash into a difficulty number.
var pdiff1Target, _ = new(big.Int).SetString("00000000FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF", 16)

// Builder is the Bitcoin-family job.JobBuilder: it splits a coinbase
// transaction around the extranonce insertion point, computes merkle
// branches, and reconstructs + hashes submitted headers.
type Builder struct {
	PayoutScriptHex string
	CoinbaseTag     string
	ExtraNonce1Size int
	ExtraNonce2Size int
}

func NewBuilder(payoutScriptHex, coinbaseTag string, extraNonce1Size, extraNonce2Size int) *Builder {
	return &Builder{
		PayoutScriptHex: payoutScriptHex,
		CoinbaseTag:     coinbaseTag,
		ExtraNonce1Size: extraNonce1Size,
		ExtraNonce2Size: extraNonce2Size,
	}
}

// Construct wraps a parsed Template into a Job; all Stratum-ready fields
// were already precomputed by ParseTemplate.
func (b *Builder) Construct(id string, tpl job.Template) (*job.Job, error) {
	t, ok := tpl.(*Template)
	if !ok {
		return nil, fmt.Errorf("btcfamily: unexpected template type %T", tpl)
	}
	return job.NewJob(id, t), nil
}

// ValidJobParams returns the mining.notify params array:
// [jobId, prevhash, coinb1, coinb2, merkleBranch, version, nbits, ntime, cleanJobs].
func (b *Builder) ValidJobParams(j *job.Job, cleanJobs bool) []interface{} {
	t := j.Template.(*Template)
	return []interface{}{
		j.ID,
		stratumPrevHash(t.raw.PreviousBlockHash),
		t.Coinbase1,
		t.Coinbase2,
		t.MerkleBranches,
		t.VersionHex,
		t.raw.Bits,
		t.NTimeHex,
		cleanJobs,
	}
}

// SubmitParams is the Bitcoin-family mining.submit tuple:
// [worker, jobId, extranonce2, ntime, nonce].
type SubmitParams struct {
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

func (p SubmitParams) DuplicateKey(extraNonce1 string) string {
	return extraNonce1 + p.ExtraNonce2 + p.NTime + p.Nonce
}

// ParseShareParams decodes the trailing [extranonce2, ntime, nonce] fields of
// a mining.submit call (worker and jobId are already consumed by the core).
func (b *Builder) ParseShareParams(raw []json.RawMessage) (job.ShareParams, error) {
	if len(raw) < 3 {
		return nil, fmt.Errorf("btcfamily: mining.submit expects [extranonce2, ntime, nonce], got %d fields", len(raw))
	}
	var extraNonce2, ntime, nonce string
	if err := json.Unmarshal(raw[0], &extraNonce2); err != nil {
		return nil, fmt.Errorf("btcfamily: decoding extranonce2: %w", err)
	}
	if err := json.Unmarshal(raw[1], &ntime); err != nil {
		return nil, fmt.Errorf("btcfamily: decoding ntime: %w", err)
	}
	if err := json.Unmarshal(raw[2], &nonce); err != nil {
		return nil, fmt.Errorf("btcfamily: decoding nonce: %w", err)
	}
	return SubmitParams{ExtraNonce2: extraNonce2, NTime: ntime, Nonce: nonce}, nil
}

// ProcessShare reconstructs the 80-byte block header from the job template
// and the miner's submitted fields, double-SHA256 hashes it, reports the
// resulting share difficulty, and compares the hash against the network
// target. minDiff is not consulted here; the low-difficulty check is made
// by the caller from the reported share difficulty.
func (b *Builder) ProcessShare(j *job.Job, params job.ShareParams, extraNonce1 string, minDiff float64) (job.ShareResult, error) {
	sp, ok := params.(SubmitParams)
	if !ok {
		return job.ShareResult{}, fmt.Errorf("btcfamily: unexpected share params type %T", params)
	}
	if err := j.MarkSeen(sp.DuplicateKey(extraNonce1)); err != nil {
		return job.ShareResult{}, err
	}

	t := j.Template.(*Template)

	coinbaseHex := t.Coinbase1 + extraNonce1 + sp.ExtraNonce2 + t.Coinbase2
	coinbaseBytes, err := hex.DecodeString(coinbaseHex)
	if err != nil {
		return job.ShareResult{}, fmt.Errorf("invalid coinbase hex: %w", err)
	}
	coinbaseHash := chainhash.DoubleHashB(coinbaseBytes)

	merkleRoot := computeMerkleRoot(coinbaseHash, t.MerkleBranches)

	header, err := buildHeader(t, merkleRoot, sp.NTime, sp.Nonce)
	if err != nil {
		return job.ShareResult{}, err
	}

	blockHash := chainhash.DoubleHashB(header)
	hashReversed := reversed(blockHash)
	hashInt := new(big.Int).SetBytes(hashReversed)

	shareDiff := hashDifficulty(hashInt)

	result := job.ShareResult{ShareDifficulty: shareDiff}

	networkTarget := daemon.CompactToBig(mustParseUint32Hex(t.raw.Bits))
	if hashInt.Cmp(networkTarget) <= 0 {
		result.IsBlockCandidate = true
		result.BlockHash = hex.EncodeToString(hashReversed)
		blockHex, err := buildFullBlock(t, coinbaseBytes, header)
		if err == nil {
			result.BlockHex = blockHex
		}
	}

	return result, nil
}

func hashDifficulty(hashInt *big.Int) float64 {
	if hashInt.Sign() == 0 {
		return 1e18
	}
	diff := new(big.Float).Quo(new(big.Float).SetInt(pdiff1Target), new(big.Float).SetInt(hashInt))
	f, _ := diff.Float64()
	return f
}

func mustParseUint32Hex(s string) uint32 {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func buildHeader(t *Template, merkleRoot []byte, ntimeHex, nonceHex string) ([]byte, error) {
	header := make([]byte, 80)

	versionBytes, err := hex.DecodeString(t.VersionHex)
	if err != nil || len(versionBytes) != 4 {
		return nil, fmt.Errorf("invalid version hex")
	}
	binary.LittleEndian.PutUint32(header[0:4], binary.BigEndian.Uint32(versionBytes))

	prevHashBytes, err := hex.DecodeString(stratumPrevHash(t.raw.PreviousBlockHash))
	if err != nil || len(prevHashBytes) != 32 {
		return nil, fmt.Errorf("invalid previous block hash")
	}
	for i := 0; i < 8; i++ {
		off := i * 4
		header[4+off+0] = prevHashBytes[off+3]
		header[4+off+1] = prevHashBytes[off+2]
		header[4+off+2] = prevHashBytes[off+1]
		header[4+off+3] = prevHashBytes[off+0]
	}

	copy(header[36:68], merkleRoot)

	ntimeBytes, err := hex.DecodeString(ntimeHex)
	if err != nil || len(ntimeBytes) != 4 {
		return nil, fmt.Errorf("invalid ntime hex")
	}
	header[68], header[69], header[70], header[71] = ntimeBytes[3], ntimeBytes[2], ntimeBytes[1], ntimeBytes[0]

	nbitsBytes, err := hex.DecodeString(t.raw.Bits)
	if err != nil || len(nbitsBytes) != 4 {
		return nil, fmt.Errorf("invalid nbits hex")
	}
	header[72], header[73], header[74], header[75] = nbitsBytes[3], nbitsBytes[2], nbitsBytes[1], nbitsBytes[0]

	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonceBytes) != 4 {
		return nil, fmt.Errorf("invalid nonce hex")
	}
	header[76], header[77], header[78], header[79] = nonceBytes[3], nonceBytes[2], nonceBytes[1], nonceBytes[0]

	return header, nil
}

func buildFullBlock(t *Template, coinbaseBytes, header []byte) (string, error) {
	var block []byte
	block = append(block, header...)
	block = appendCompactSize(block, uint64(1+len(t.raw.Transactions)))
	block = append(block, coinbaseBytes...)
	for _, tx := range t.raw.Transactions {
		txBytes, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", fmt.Errorf("decoding template transaction: %w", err)
		}
		block = append(block, txBytes...)
	}
	return hex.EncodeToString(block), nil
}

func stratumPrevHash(prevHashHex string) string {
	b, err := hex.DecodeString(prevHashHex)
	if err != nil || len(b) != 32 {
		return prevHashHex
	}
	out := make([]byte, 32)
	for i := 0; i < 8; i++ {
		off := i * 4
		out[off+0] = b[off+3]
		out[off+1] = b[off+2]
		out[off+2] = b[off+1]
		out[off+3] = b[off+0]
	}
	return hex.EncodeToString(out)
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func computeMerkleRoot(coinbaseHash []byte, branches []string) []byte {
	root := coinbaseHash
	for _, branchHex := range branches {
		branch, _ := hex.DecodeString(branchHex)
		root = chainhash.DoubleHashB(append(append([]byte{}, root...), branch...))
	}
	return root
}

func merkleBranches(txs []templateTx) []string {
	branches := []string{}
	if len(txs) == 0 {
		return branches
	}
	hashes := make([][]byte, len(txs))
	for i, tx := range txs {
		h, _ := hex.DecodeString(tx.TxID)
		hashes[i] = reversed(h)
	}
	for len(hashes) > 0 {
		// The first hash in the working set is the next sibling along the
		// coinbase-to-root path.
		branches = append(branches, hex.EncodeToString(hashes[0]))
		if len(hashes) == 1 {
			break
		}

		var next [][]byte
		for i := 1; i < len(hashes); i += 2 {
			pair := append(append([]byte{}, hashes[i]...), pairedWith(hashes, i)...)
			next = append(next, chainhash.DoubleHashB(pair))
		}
		hashes = next
	}
	return branches
}

// pairedWith returns the sibling hash paired with hashes[i] — the next
// element, or hashes[i] itself if i is the last (odd tail duplication).
func pairedWith(hashes [][]byte, i int) []byte {
	if i+1 < len(hashes) {
		return hashes[i+1]
	}
	return hashes[i]
}

func appendCompactSize(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return append(append(buf, 0xfd), b...)
	case n <= 0xffffffff:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return append(append(buf, 0xfe), b...)
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)
		return append(append(buf, 0xff), b...)
	}
}

// buildCoinbase splits a minimal (non-SegWit) coinbase transaction into its
// pre- and post-extranonce halves.
func (b *Builder) buildCoinbase(rt rawTemplate) (coinbase1, coinbase2 string, err error) {
	payoutScript, err := hex.DecodeString(b.PayoutScriptHex)
	if err != nil {
		return "", "", fmt.Errorf("decoding payout script: %w", err)
	}

	var tx1 []byte
	tx1 = append(tx1, 0x01, 0x00, 0x00, 0x00) // version 1, LE
	tx1 = append(tx1, 0x01)                   // one input
	tx1 = append(tx1, make([]byte, 32)...)    // null previous outpoint hash
	tx1 = append(tx1, 0xff, 0xff, 0xff, 0xff) // previous outpoint index

	scriptSig := buildScriptSig(rt.Height, b.CoinbaseTag)
	tx1 = append(tx1, byte(len(scriptSig)+b.ExtraNonce1Size+b.ExtraNonce2Size))
	tx1 = append(tx1, scriptSig...)

	coinbase1 = hex.EncodeToString(tx1)

	var tx2 []byte
	tx2 = append(tx2, 0xff, 0xff, 0xff, 0xff) // sequence
	tx2 = appendCompactSize(tx2, 1)           // one output

	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, uint64(rt.CoinbaseValue))
	tx2 = append(tx2, value...)
	tx2 = appendCompactSize(tx2, uint64(len(payoutScript)))
	tx2 = append(tx2, payoutScript...)
	tx2 = append(tx2, 0x00, 0x00, 0x00, 0x00) // locktime

	coinbase2 = hex.EncodeToString(tx2)
	return coinbase1, coinbase2, nil
}

func buildScriptSig(height int64, tag string) []byte {
	var script []byte
	script = append(script, encodeHeight(height)...)
	if tag != "" {
		b := []byte(tag)
		if len(b) > 80 {
			b = b[:80]
		}
		script = append(script, b...)
	}
	return script
}

func encodeHeight(height int64) []byte {
	if height <= 16 {
		return []byte{byte(0x50 + height)}
	}
	var heightBytes []byte
	h := height
	for h > 0 {
		heightBytes = append(heightBytes, byte(h&0xff))
		h >>= 8
	}
	if heightBytes[len(heightBytes)-1]&0x80 != 0 {
		heightBytes = append(heightBytes, 0x00)
	}
	return append([]byte{byte(len(heightBytes))}, heightBytes...)
}
