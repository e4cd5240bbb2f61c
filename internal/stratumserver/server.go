// Package stratumserver owns the per-pool TCP/TLS listener, the live
// connection set, and the Stratum method dispatch table that bridges
// inbound requests to the job manager.
package stratumserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yuriy0803/stratum-pool-core/internal/ban"
	"github.com/yuriy0803/stratum-pool-core/internal/job"
	"github.com/yuriy0803/stratum-pool-core/internal/jobmanager"
	"github.com/yuriy0803/stratum-pool-core/internal/poollog"
	"github.com/yuriy0803/stratum-pool-core/internal/stratumconn"
	"github.com/yuriy0803/stratum-pool-core/internal/stratumproto"
	"github.com/yuriy0803/stratum-pool-core/internal/vardiff"
)

// Config configures one pool's listener and session policy.
type Config struct {
	PoolID   string
	Listen   string
	TLS      bool
	CertFile string
	KeyFile  string
	MaxConn  int

	VarDiff                 vardiff.Config
	MinDifficulty            float64
	ClientConnectionTimeout  time.Duration
}

// Server accepts Stratum TCP/TLS connections for one pool, dispatches
// their requests into the pool's JobManager, and fans job broadcasts back
// out to every authorized connection.
type Server struct {
	cfg        Config
	jobMgr     *jobmanager.Manager
	jobBuilder job.JobBuilder
	banMgr     *ban.Manager
	log        *logrus.Entry

	listener net.Listener
	accept   chan struct{}

	mu    sync.RWMutex
	conns map[string]*stratumconn.Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, jobMgr *jobmanager.Manager, jobBuilder job.JobBuilder, banMgr *ban.Manager, log *logrus.Entry) *Server {
	if cfg.MaxConn <= 0 {
		cfg.MaxConn = 8192
	}
	if banMgr == nil {
		banMgr = ban.NewManager(true)
	}
	return &Server{
		cfg:        cfg,
		jobMgr:     jobMgr,
		jobBuilder: jobBuilder,
		banMgr:     banMgr,
		log:        log,
		accept:     make(chan struct{}, cfg.MaxConn),
		conns:      make(map[string]*stratumconn.Connection),
	}
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound; accept runs in a background goroutine until
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := s.listen()
	if err != nil {
		return fmt.Errorf("binding stratum listener %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener

	for i := 0; i < s.cfg.MaxConn; i++ {
		s.accept <- struct{}{}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	go s.broadcastLoop()

	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if !s.cfg.TLS {
		return net.Listen("tcp", s.cfg.Listen)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return tls.Listen("tcp", s.cfg.Listen, &tls.Config{Certificates: []tls.Certificate{cert}})
}

// Stop closes the listener, cancels all background goroutines, and waits
// for them to exit. Live connections are disconnected.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	conns := make([]*stratumconn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.accept:
		case <-s.ctx.Done():
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case s.accept <- struct{}{}:
			default:
			}
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		ip := remoteIP(conn)
		if s.banMgr.IsBanned(ip) {
			conn.Close()
			select {
			case s.accept <- struct{}{}:
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer func() {
		select {
		case s.accept <- struct{}{}:
		default:
		}
	}()

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			ip := remoteIP(netConn)
			s.banMgr.Ban(ip, ban.DefaultDuration)
			s.log.WithError(err).WithField("remote", ip).Debug("TLS handshake failed")
			netConn.Close()
			return
		}
		tlsConn.SetDeadline(time.Time{})
	}

	c := stratumconn.New(netConn, s.cfg.VarDiff, s.cfg.MinDifficulty)
	connLog := poollog.ForConn(s.log, c.ID(), c.RemoteAddress())

	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
		c.Disconnect()
	}()

	err := c.ReadLoop(func(conn *stratumconn.Connection, req *stratumproto.Request) {
		s.dispatch(conn, req)
	})
	if err != nil {
		if err == stratumconn.ErrProtocolViolation && s.banMgr.BanOnJunkReceive() {
			s.banMgr.Ban(c.RemoteAddress(), ban.DefaultDuration)
		}
		connLog.WithError(err).Debug("connection closed")
	}
}

// ForEach invokes fn for every currently live connection, under a
// snapshot taken before the call — fn is never invoked while holding the
// connection map's lock, so it may itself call back into the server.
func (s *Server) ForEach(fn func(*stratumconn.Connection)) {
	s.mu.RLock()
	snapshot := make([]*stratumconn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// ConnectionCount reports the number of currently live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// broadcastLoop relays the job manager's broadcast stream to every
// authorized connection as a mining.notify, applying each connection's
// pending VarDiff change first so the notify and the difficulty it was
// computed against are never out of sync. When ClientConnectionTimeout is
// set, a connection idle for longer than it is disconnected instead.
func (s *Server) broadcastLoop() {
	ch := s.jobMgr.Subscribe()
	for {
		select {
		case <-s.ctx.Done():
			return
		case jb, ok := <-ch:
			if !ok {
				return
			}
			s.ForEach(func(c *stratumconn.Connection) {
				if s.cfg.ClientConnectionTimeout > 0 && c.IdleSince() > s.cfg.ClientConnectionTimeout {
					c.Disconnect()
					return
				}
				if !c.Authorized() {
					return
				}
				if c.ApplyPendingDifficulty() {
					c.Notify("mining.set_difficulty", c.CurrentDifficulty())
				}
				c.Notify("mining.notify", s.jobBuilder.ValidJobParams(jb.Job, jb.CleanJobs)...)
			})
		}
	}
}

func (s *Server) dispatch(c *stratumconn.Connection, req *stratumproto.Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(c, req)
	case "mining.authorize":
		s.handleAuthorize(c, req)
	case "mining.submit":
		s.handleSubmit(c, req)
	case "mining.extranonce.subscribe":
		c.Respond(req.Id, true)
	default:
		c.RespondError(req.Id, stratumproto.UnsupportedMethod(req.Method))
	}
}

func (s *Server) handleSubscribe(c *stratumconn.Connection, req *stratumproto.Request) {
	c.MarkSubscribed()
	result := []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", c.ID()},
			[]interface{}{"mining.notify", c.ID()},
		},
		c.ID(),
	}
	c.Respond(req.Id, result)
}

func (s *Server) handleAuthorize(c *stratumconn.Connection, req *stratumproto.Request) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
		c.RespondError(req.Id, stratumproto.NewError(stratumproto.ErrOther, "invalid authorize params"))
		return
	}
	c.MarkAuthorized(params[0])
	c.Respond(req.Id, true)
}

func (s *Server) handleSubmit(c *stratumconn.Connection, req *stratumproto.Request) {
	if !c.Subscribed() {
		c.RespondError(req.Id, stratumproto.NotSubscribed())
		return
	}
	if !c.Authorized() {
		c.RespondError(req.Id, stratumproto.UnauthorizedWorker())
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(req.Params, &raw); err != nil || len(raw) < 2 {
		c.RespondError(req.Id, stratumproto.NewError(stratumproto.ErrOther, "invalid submit params"))
		return
	}

	var worker, jobID string
	if err := json.Unmarshal(raw[0], &worker); err != nil {
		c.RespondError(req.Id, stratumproto.NewError(stratumproto.ErrOther, "invalid worker name"))
		return
	}
	if err := json.Unmarshal(raw[1], &jobID); err != nil {
		c.RespondError(req.Id, stratumproto.NewError(stratumproto.ErrOther, "invalid job id"))
		return
	}

	params, err := s.jobBuilder.ParseShareParams(raw[2:])
	if err != nil {
		c.RespondError(req.Id, stratumproto.NewError(stratumproto.ErrOther, err.Error()))
		return
	}

	stats := s.jobMgr.Stats()
	if newDiff, changed := c.VarDiff().Update(time.Now(), true, c.CurrentDifficulty(), stats.NetworkDifficulty); changed {
		c.EnqueueNewDifficulty(newDiff)
	}

	if _, err := s.jobMgr.SubmitShare(jobID, params, c.ID(), c.RemoteAddress(), worker, c.CurrentDifficulty()); err != nil {
		if se, ok := err.(*stratumproto.StratumError); ok {
			c.RespondError(req.Id, se)
			return
		}
		c.RespondError(req.Id, stratumproto.NewError(stratumproto.ErrOther, err.Error()))
		return
	}

	c.Respond(req.Id, true)
}
