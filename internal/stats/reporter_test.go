package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	id, coin string
	conns    int
	height   uint64
	netDiff  float64
}

func (p fakePool) PoolID() string             { return p.id }
func (p fakePool) Coin() string               { return p.coin }
func (p fakePool) ConnectionCount() int       { return p.conns }
func (p fakePool) JobHeight() uint64          { return p.height }
func (p fakePool) NetworkDifficulty() float64 { return p.netDiff }

func TestReporterLogsEachPoolOnTick(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	pools := []PoolSource{fakePool{id: "p1", coin: "coinA", conns: 2, height: 10, netDiff: 5.5}}
	r, err := New("* * * * *", func() []PoolSource { return pools }, logrus.NewEntry(log))
	require.NoError(t, err)

	r.logSnapshot()
	assert.Contains(t, buf.String(), `"pool":"p1"`)
	assert.Contains(t, buf.String(), `"coin":"coinA"`)

	r.Start()
	defer r.Stop()
	time.Sleep(10 * time.Millisecond)
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New("not-a-schedule", func() []PoolSource { return nil }, logrus.NewEntry(logrus.New()))
	require.Error(t, err)
}
