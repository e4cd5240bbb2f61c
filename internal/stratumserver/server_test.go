package stratumserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuriy0803/stratum-pool-core/internal/ban"
	"github.com/yuriy0803/stratum-pool-core/internal/bus"
	"github.com/yuriy0803/stratum-pool-core/internal/daemon"
	"github.com/yuriy0803/stratum-pool-core/internal/job"
	"github.com/yuriy0803/stratum-pool-core/internal/jobmanager"
	"github.com/yuriy0803/stratum-pool-core/internal/vardiff"
)

// selfSignedCert generates an ephemeral in-memory certificate for the TLS
// handshake-failure test below; it is never written to disk.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "stratum-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := tls.X509KeyPair(
		pemBlock("CERTIFICATE", der),
		pemBlock("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)),
	)
	require.NoError(t, err)
	return cert
}

func pemBlock(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

type testTemplate struct{ height uint64 }

func (t testTemplate) Height() uint64       { return t.height }
func (t testTemplate) PreviousHash() string { return "prev" }

type testShareParams struct{ fields []string }

func (p testShareParams) DuplicateKey(extraNonce1 string) string {
	key := extraNonce1
	for _, f := range p.fields {
		key += f
	}
	return key
}

type testBuilder struct{}

func (testBuilder) ParseTemplate(raw json.RawMessage) (job.Template, error) {
	return testTemplate{height: 1}, nil
}
func (testBuilder) Construct(id string, tpl job.Template) (*job.Job, error) {
	return job.NewJob(id, tpl), nil
}
func (testBuilder) ParseShareParams(raw []json.RawMessage) (job.ShareParams, error) {
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = string(f)
	}
	return testShareParams{fields: fields}, nil
}
func (testBuilder) ProcessShare(j *job.Job, params job.ShareParams, extraNonce1 string, minDiff float64) (job.ShareResult, error) {
	if err := j.MarkSeen(params.DuplicateKey(extraNonce1)); err != nil {
		return job.ShareResult{}, err
	}
	return job.ShareResult{ShareDifficulty: minDiff}, nil
}
func (testBuilder) ValidJobParams(j *job.Job, cleanJobs bool) []interface{} {
	return []interface{}{j.ID, cleanJobs}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func newTestServer(t *testing.T) (*Server, *jobmanager.Manager) {
	t.Helper()
	client := daemon.NewClient(nil)
	log := logrus.NewEntry(logrus.New())
	mgr := jobmanager.New(jobmanager.Config{PoolID: "p1", Coin: "test"}, client, testBuilder{}, bus.Noop{}, log, nil)

	srv := New(Config{
		PoolID:  "p1",
		Listen:  freePort(t),
		MaxConn: 16,
		VarDiff: vardiff.Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, RetargetTime: 90},
		MinDifficulty: 1,
	}, mgr, testBuilder{}, ban.NewManager(true), log)

	return srv, mgr
}

func TestServerAcceptsAndSubscribes(t *testing.T) {
	srv, mgr := newTestServer(t)
	assert.Equal(t, 0, mgr.Registry().Len())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.cfg.Listen)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp struct {
		Id     int           `json:"id"`
		Result []interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, 1, resp.Id)
	assert.Len(t, resp.Result, 2)
}

func TestServerRejectsSubmitBeforeSubscribe(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.cfg.Listen)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.submit","params":["worker1","job1","e2","t","n"]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp struct {
		Id    int           `json:"id"`
		Error []interface{} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.Len(t, resp.Error, 3)
	assert.Equal(t, float64(25), resp.Error[0])
}

func TestServerRejectsSubscribedButUnauthorizedSubmit(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.cfg.Listen)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	require.NoError(t, err)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.submit","params":["worker1","job1","e2","t","n"]}` + "\n"))
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp struct {
		Id    int           `json:"id"`
		Error []interface{} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.Len(t, resp.Error, 3)
	assert.Equal(t, float64(24), resp.Error[0])
}

func TestHandshakeFailureBansPeerWithoutJunkReceivePolicy(t *testing.T) {
	cert := selfSignedCert(t)
	listen := freePort(t)

	client := daemon.NewClient(nil)
	log := logrus.NewEntry(logrus.New())
	mgr := jobmanager.New(jobmanager.Config{PoolID: "p1", Coin: "test"}, client, testBuilder{}, bus.Noop{}, log, nil)

	// BanOnJunkReceive is false: a TLS handshake failure must still be
	// banned, since §7 only gates JsonException on that policy.
	banMgr := ban.NewManager(false)
	srv := New(Config{
		PoolID:   "p1",
		Listen:   listen,
		MaxConn:  16,
		TLS:      true,
		CertFile: "",
		KeyFile:  "",
		VarDiff:  vardiff.Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, RetargetTime: 90},
		MinDifficulty: 1,
	}, mgr, testBuilder{}, banMgr, log)

	// Bypass cert-file loading (listen() reads from disk) by constructing
	// the TLS listener directly and swapping it in before Start's accept
	// loop launches.
	rawListener, err := net.Listen("tcp", listen)
	require.NoError(t, err)
	tlsListener := tls.NewListener(rawListener, &tls.Config{Certificates: []tls.Certificate{cert}})
	srv.listener = tlsListener

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < srv.cfg.MaxConn; i++ {
		srv.accept <- struct{}{}
	}
	srv.ctx, srv.cancel = ctx, cancel
	srv.wg.Add(1)
	go srv.acceptLoop()
	defer srv.Stop()

	conn, err := net.Dial("tcp", listen)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not a tls client hello\n"))
	require.NoError(t, err)

	ip, _, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return banMgr.IsBanned(ip) }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionCountTracksLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.cfg.Listen)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}
