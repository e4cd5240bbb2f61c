package adminhttp

import (
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuriy0803/stratum-pool-core/internal/daemon"
)

type fakePool struct {
	id, coin string
	conns    int
	height   uint64
	netDiff  float64
}

func (p fakePool) PoolID() string            { return p.id }
func (p fakePool) Coin() string              { return p.coin }
func (p fakePool) ConnectionCount() int      { return p.conns }
func (p fakePool) JobHeight() uint64         { return p.height }
func (p fakePool) NetworkDifficulty() float64 { return p.netDiff }

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestHealthzReportsOKWithNoDaemon(t *testing.T) {
	addr := freePort(t)
	srv := New(Config{Listen: addr}, nil, func() []PoolSource { return nil }, logrus.NewEntry(logrus.New()))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.DaemonHealthy)
}

func TestHealthzReportsDegradedOnDaemonFailure(t *testing.T) {
	addr := freePort(t)
	client := daemon.NewClient([]daemon.Endpoint{{Name: "down", URL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}})
	srv := New(Config{Listen: addr}, client, func() []PoolSource { return nil }, logrus.NewEntry(logrus.New()))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDebugPoolsReportsEachSource(t *testing.T) {
	addr := freePort(t)
	pools := []PoolSource{
		fakePool{id: "p1", coin: "coinA", conns: 3, height: 100, netDiff: 42.5},
		fakePool{id: "p2", coin: "coinB", conns: 0, height: 50, netDiff: 1.0},
	}
	srv := New(Config{Listen: addr}, nil, func() []PoolSource { return pools }, logrus.NewEntry(logrus.New()))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://" + addr + "/debug/pools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []PoolStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].PoolID)
	assert.Equal(t, 3, got[0].Connections)
}
