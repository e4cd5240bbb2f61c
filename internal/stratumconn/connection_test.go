package stratumconn

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuriy0803/stratum-pool-core/internal/vardiff"
)

func newTestPair(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	conn := New(server, vardiff.Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, RetargetTime: 90}, 16)
	t.Cleanup(conn.Disconnect)
	return conn, client
}

func TestNotifyWritesOneJSONLine(t *testing.T) {
	conn, client := newTestPair(t)
	reader := bufio.NewReader(client)

	go conn.Notify("mining.notify", "job1", true)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var decoded struct {
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "mining.notify", decoded.Method)
	assert.Equal(t, "job1", decoded.Params[0])
}

func TestStateMachineProgression(t *testing.T) {
	conn, _ := newTestPair(t)
	assert.False(t, conn.Subscribed())
	assert.False(t, conn.Authorized())

	conn.MarkSubscribed()
	assert.True(t, conn.Subscribed())
	assert.False(t, conn.Authorized())

	conn.MarkAuthorized("worker1")
	assert.True(t, conn.Authorized())
	assert.Equal(t, "worker1", conn.WorkerContext())
}

func TestApplyPendingDifficultyIsAtomicAndIdempotent(t *testing.T) {
	conn, _ := newTestPair(t)
	assert.Equal(t, 16.0, conn.CurrentDifficulty())

	// no pending change yet
	assert.False(t, conn.ApplyPendingDifficulty())

	conn.EnqueueNewDifficulty(32)
	changed := conn.ApplyPendingDifficulty()
	require.True(t, changed)
	assert.Equal(t, 32.0, conn.CurrentDifficulty())
	assert.Equal(t, 16.0, conn.PreviousDifficulty())

	// applying again with nothing new pending is a no-op
	assert.False(t, conn.ApplyPendingDifficulty())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn, _ := newTestPair(t)
	conn.Disconnect()
	conn.Disconnect()
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnectionIDsAreUniquePerConnection(t *testing.T) {
	a, _ := newTestPair(t)
	b, _ := newTestPair(t)
	assert.NotEqual(t, a.ID(), b.ID())
}
