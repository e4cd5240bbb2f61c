// Package adminhttp is the pool's operational HTTP surface: liveness and a
// thin per-pool debug snapshot. It is deliberately not a payout/share REST
// API — that is an explicit non-goal of this core.
package adminhttp

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/yuriy0803/stratum-pool-core/internal/daemon"
)

// PoolStatus is one pool's contribution to /debug/pools.
type PoolStatus struct {
	PoolID           string  `json:"poolId"`
	Coin             string  `json:"coin"`
	Connections      int     `json:"connections"`
	JobHeight        uint64  `json:"jobHeight"`
	NetworkDifficulty float64 `json:"networkDifficulty"`
}

// PoolSource is whatever the running server needs to report PoolStatus for
// one pool; stratumserver.Server and jobmanager.Manager satisfy it together,
// but adminhttp only depends on this narrow view so it never imports them.
type PoolSource interface {
	PoolID() string
	Coin() string
	ConnectionCount() int
	JobHeight() uint64
	NetworkDifficulty() float64
}

// Config configures the admin listener.
type Config struct {
	Listen string
}

// Server is the gorilla/mux-routed admin HTTP listener.
type Server struct {
	cfg    Config
	daemon *daemon.Client
	pools  func() []PoolSource
	log    *logrus.Entry

	httpServer *http.Server
}

func New(cfg Config, daemonClient *daemon.Client, pools func() []PoolSource, log *logrus.Entry) *Server {
	return &Server{cfg: cfg, daemon: daemonClient, pools: pools, log: log}
}

// Start binds the listener and serves until Stop is called. It returns
// immediately; ListenAndServe runs in a background goroutine.
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/debug/pools", s.handleDebugPools).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Warn("admin http server stopped")
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

type healthzResponse struct {
	Status       string `json:"status"`
	DaemonHealthy bool   `json:"daemonHealthy"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if s.daemon != nil {
		if !s.daemon.ExecuteAny(r.Context(), "getinfo", nil).Success() {
			healthy = false
		}
	}

	resp := healthzResponse{Status: "ok", DaemonHealthy: healthy}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDebugPools(w http.ResponseWriter, r *http.Request) {
	var out []PoolStatus
	for _, p := range s.pools() {
		out = append(out, PoolStatus{
			PoolID:            p.PoolID(),
			Coin:              p.Coin(),
			Connections:       p.ConnectionCount(),
			JobHeight:         p.JobHeight(),
			NetworkDifficulty: p.NetworkDifficulty(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
