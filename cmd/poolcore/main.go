// Command poolcore runs one or more Stratum mining pools from a single
// configuration file: per-pool daemon fan-out, job management, and
// Stratum listener, plus the shared admin/health surface and periodic
// stats logging.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/redis.v3"

	"github.com/yuriy0803/stratum-pool-core/internal/adminhttp"
	"github.com/yuriy0803/stratum-pool-core/internal/ban"
	"github.com/yuriy0803/stratum-pool-core/internal/bus"
	"github.com/yuriy0803/stratum-pool-core/internal/coinfamily/btcfamily"
	"github.com/yuriy0803/stratum-pool-core/internal/config"
	"github.com/yuriy0803/stratum-pool-core/internal/daemon"
	"github.com/yuriy0803/stratum-pool-core/internal/job"
	"github.com/yuriy0803/stratum-pool-core/internal/jobmanager"
	"github.com/yuriy0803/stratum-pool-core/internal/poollog"
	"github.com/yuriy0803/stratum-pool-core/internal/stats"
	"github.com/yuriy0803/stratum-pool-core/internal/stratumserver"
	"github.com/yuriy0803/stratum-pool-core/internal/vardiff"
)

var (
	configPath   = flag.String("config", "config.yaml", "path to the pool configuration file")
	logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
	adminListen  = flag.String("admin-listen", "127.0.0.1:8081", "admin HTTP listen address")
	statsCron    = flag.String("stats-cron", "*/30 * * * *", "cron schedule for periodic pool stats logging")
)

// pool bundles one configured pool's running components, and is the
// concrete type behind both adminhttp.PoolSource and stats.PoolSource.
type pool struct {
	mgr *jobmanager.Manager
	srv *stratumserver.Server
}

func (p *pool) PoolID() string             { return p.mgr.PoolID() }
func (p *pool) Coin() string               { return p.mgr.Coin() }
func (p *pool) ConnectionCount() int       { return p.srv.ConnectionCount() }
func (p *pool) JobHeight() uint64          { return p.mgr.JobHeight() }
func (p *pool) NetworkDifficulty() float64 { return p.mgr.NetworkDifficulty() }

// builderFor resolves the coin-specific job.JobBuilder for one pool. Only
// Bitcoin-family (SHA256D, getblocktemplate) coins are wired in this
// repository; production deployments register additional families here.
func builderFor(pc config.PoolConfig) (job.JobBuilder, error) {
	switch pc.Coin {
	case "bitcoin":
		return btcfamily.NewBuilder(pc.CoinbasePayoutScript, pc.CoinbaseTag, pc.ExtraNonce1Size, pc.ExtraNonce2Size), nil
	default:
		return nil, fmt.Errorf("no JobBuilder registered for coin %q", pc.Coin)
	}
}

func main() {
	flag.Parse()

	log := poollog.New(*logLevel)
	log.Info("starting poolcore")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	messageBus := newBus(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pools []*pool
	for _, pc := range cfg.Pools {
		p, err := startPool(ctx, pc, messageBus, log)
		if err != nil {
			log.WithError(err).WithField("pool", pc.ID).Fatal("starting pool")
		}
		pools = append(pools, p)
	}

	poolSourcesFn := func() []adminhttp.PoolSource {
		out := make([]adminhttp.PoolSource, len(pools))
		for i, p := range pools {
			out[i] = p
		}
		return out
	}
	statsSourcesFn := func() []stats.PoolSource {
		out := make([]stats.PoolSource, len(pools))
		for i, p := range pools {
			out[i] = p
		}
		return out
	}

	var daemonClient *daemon.Client
	if len(pools) > 0 {
		// /healthz reports on the first configured pool's daemon set; each
		// pool's own JobManager gates its own startup independently.
		daemonClient = pools[0].mgr.DaemonClient()
	}

	admin := adminhttp.New(adminhttp.Config{Listen: *adminListen}, daemonClient, poolSourcesFn, log.WithField("component", "adminhttp"))
	if err := admin.Start(); err != nil {
		log.WithError(err).Fatal("starting admin http server")
	}
	defer admin.Stop()

	reporter, err := stats.New(*statsCron, statsSourcesFn, log.WithField("component", "stats"))
	if err != nil {
		log.WithError(err).Fatal("scheduling stats reporter")
	}
	reporter.Start()
	defer reporter.Stop()

	waitForSignal(log)

	for _, p := range pools {
		p.srv.Stop()
	}
}

func startPool(ctx context.Context, pc config.PoolConfig, messageBus bus.Bus, baseLog *logrus.Logger) (*pool, error) {
	poolLog := poollog.ForPool(baseLog, pc.ID)

	endpoints := make([]daemon.Endpoint, len(pc.Upstreams))
	for i, u := range pc.Upstreams {
		endpoints[i] = daemon.Endpoint{Name: u.Name, URL: u.URL, User: u.User, Password: u.Password, Timeout: u.Timeout}
	}
	rpc := daemon.NewClient(endpoints)

	builder, err := builderFor(pc)
	if err != nil {
		return nil, err
	}

	mgr := jobmanager.New(jobmanager.Config{
		PoolID:                pc.ID,
		Coin:                  pc.Coin,
		Network:               pc.Network,
		BlockRefreshInterval:  pc.BlockRefreshInterval,
		JobRebroadcastTimeout: pc.JobRebroadcastTimeout,
	}, rpc, builder, messageBus, poolLog, nil)

	go func() {
		if err := mgr.Start(ctx); err != nil {
			poolLog.WithError(err).Error("job manager stopped")
		}
	}()

	banMgr := ban.NewManager(pc.BanOnJunkReceive)

	srv := stratumserver.New(stratumserver.Config{
		PoolID:   pc.ID,
		Listen:   pc.Stratum.Listen,
		TLS:      pc.Stratum.TLS,
		CertFile: pc.Stratum.CertFile,
		KeyFile:  pc.Stratum.KeyFile,
		MaxConn:  pc.Stratum.MaxConn,
		VarDiff: vardiff.Config{
			TargetTime:      pc.VarDiff.TargetTime,
			VariancePercent: pc.VarDiff.VariancePercent,
			MinDiff:         pc.VarDiff.MinDiff,
			MaxDiff:         pc.VarDiff.MaxDiff,
			RetargetTime:    pc.VarDiff.RetargetTime,
		},
		MinDifficulty:           pc.VarDiff.MinDiff,
		ClientConnectionTimeout: pc.ClientConnectionTimeout,
	}, mgr, builder, banMgr, poolLog)

	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting stratum listener for pool %s: %w", pc.ID, err)
	}

	poolLog.WithField("listen", pc.Stratum.Listen).Info("pool listening")
	return &pool{mgr: mgr, srv: srv}, nil
}

func newBus(cfg *config.Config, log *logrus.Logger) bus.Bus {
	for _, pc := range cfg.Pools {
		if pc.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     pc.Redis.Addr,
				Password: pc.Redis.Password,
				DB:       pc.Redis.DB,
			})
			return bus.NewRedisBus(client, log.WithField("component", "bus"))
		}
	}
	return bus.Noop{}
}

func waitForSignal(log *logrus.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")
	time.Sleep(100 * time.Millisecond)
}
