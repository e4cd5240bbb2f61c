// Package btcfamily is a reference HashAlgorithm/JobBuilder pair for
// Bitcoin-descended (SHA256D, getblocktemplate-based) coins, and the only
// implementation of the external coin-family boundary (job.HashAlgorithm /
// job.JobBuilder) in this repository; cmd/poolcore wires it for bitcoin
// pools. Other coin families live outside this repository.
package btcfamily

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/yuriy0803/stratum-pool-core/internal/job"
)

// templateTx is one transaction entry from a getblocktemplate result.
type templateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
}

// rawTemplate mirrors the subset of Bitcoin Core's getblocktemplate result
// this job builder needs.
type rawTemplate struct {
	Version           int64        `json:"version"`
	PreviousBlockHash string       `json:"previousblockhash"`
	Transactions      []templateTx `json:"transactions"`
	CoinbaseValue     int64        `json:"coinbasevalue"`
	CurTime           int64        `json:"curtime"`
	Bits              string       `json:"bits"`
	Height            int64        `json:"height"`
}

// Template is the coin-family's job.Template implementation: the decoded
// getblocktemplate fields plus the Stratum-ready coinbase/merkle material
// computed once at parse time.
type Template struct {
	raw rawTemplate

	Coinbase1      string
	Coinbase2      string
	MerkleBranches []string
	VersionHex     string
	NTimeHex       string
}

func (t *Template) Height() uint64       { return uint64(t.raw.Height) }
func (t *Template) PreviousHash() string { return t.raw.PreviousBlockHash }

// ParseTemplate decodes a raw getblocktemplate JSON-RPC result into a
// Template, pre-building the coinbase split and merkle branches so that
// ProcessShare only has to splice in the miner's extranonce2/ntime/nonce.
func (b *Builder) ParseTemplate(raw json.RawMessage) (job.Template, error) {
	var rt rawTemplate
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("decoding getblocktemplate: %w", err)
	}
	if rt.Bits == "" || rt.PreviousBlockHash == "" {
		return nil, fmt.Errorf("getblocktemplate missing bits/previousblockhash")
	}

	tpl := &Template{raw: rt}

	coinbase1, coinbase2, err := b.buildCoinbase(rt)
	if err != nil {
		return nil, fmt.Errorf("building coinbase: %w", err)
	}
	tpl.Coinbase1 = coinbase1
	tpl.Coinbase2 = coinbase2
	tpl.MerkleBranches = merkleBranches(rt.Transactions)
	tpl.VersionHex = beHex32(uint32(rt.Version))
	tpl.NTimeHex = beHex32(uint32(rt.CurTime))

	return tpl, nil
}

func beHex32(v uint32) string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return hex.EncodeToString(b)
}
