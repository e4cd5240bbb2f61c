// Package config defines the typed configuration the pool core's
// constructors take, mirroring the shape of the teacher's flat
// Config/Proxy/Upstream/Stratum JSON structs but loaded through
// spf13/viper instead of a hand-rolled encoding/json reader.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for one pool process. A process may run
// several Pools sharing nothing but the listener and daemon fan-out
// machinery.
type Config struct {
	Name  string       `mapstructure:"name"`
	Pools []PoolConfig `mapstructure:"pools"`
}

// PoolConfig configures one coin pool: its coin family, upstream daemons,
// Stratum listener, VarDiff policy, and ban policy.
type PoolConfig struct {
	ID       string           `mapstructure:"id"`
	Coin     string           `mapstructure:"coin"`
	Network  string           `mapstructure:"network"`

	Stratum StratumConfig `mapstructure:"stratum"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams"`

	BlockRefreshInterval time.Duration `mapstructure:"blockRefreshInterval"`
	JobRebroadcastTimeout time.Duration `mapstructure:"jobRebroadcastTimeout"`
	ClientConnectionTimeout time.Duration `mapstructure:"clientConnectionTimeout"`

	VarDiff VarDiffConfig `mapstructure:"varDiff"`

	BanOnJunkReceive bool `mapstructure:"banOnJunkReceive"`

	Redis RedisConfig `mapstructure:"redis"`

	// Bitcoin-family (internal/coinfamily/btcfamily) job-construction
	// parameters; ignored by coin families that don't need them.
	CoinbasePayoutScript string `mapstructure:"coinbasePayoutScript"`
	CoinbaseTag          string `mapstructure:"coinbaseTag"`
	ExtraNonce1Size      int    `mapstructure:"extraNonce1Size"`
	ExtraNonce2Size      int    `mapstructure:"extraNonce2Size"`
}

// StratumConfig configures the TCP/TLS listener for one pool.
type StratumConfig struct {
	Listen   string `mapstructure:"listen"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	MaxConn  int    `mapstructure:"maxConn"`
}

// UpstreamConfig configures one redundant coin daemon endpoint.
type UpstreamConfig struct {
	Name     string        `mapstructure:"name"`
	URL      string        `mapstructure:"url"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// VarDiffConfig configures the per-pool default VarDiff tunables new
// connections are seeded with.
type VarDiffConfig struct {
	TargetTime      float64 `mapstructure:"targetTime"`
	VariancePercent float64 `mapstructure:"variancePercent"`
	MinDiff         float64 `mapstructure:"minDiff"`
	MaxDiff         float64 `mapstructure:"maxDiff"`
	RetargetTime    float64 `mapstructure:"retargetTime"`
}

// RedisConfig configures the message-bus transport.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int64  `mapstructure:"db"`
}

// Load reads configuration from path (YAML, JSON, or TOML, detected by
// viper from the file extension) into a Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	// banOnJunkReceive defaults to true for any pool that does not set it.
	var banFlags struct {
		Pools []struct {
			BanOnJunkReceive *bool `mapstructure:"banOnJunkReceive"`
		} `mapstructure:"pools"`
	}
	if err := v.Unmarshal(&banFlags); err == nil {
		for i := range cfg.Pools {
			if i < len(banFlags.Pools) && banFlags.Pools[i].BanOnJunkReceive == nil {
				cfg.Pools[i].BanOnJunkReceive = true
			}
		}
	}
	return &cfg, nil
}
