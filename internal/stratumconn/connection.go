// Package stratumconn owns one Stratum TCP/TLS socket: newline-delimited
// JSON-RPC framing, the subscribe/authorize state machine, a serialized
// outbound write queue, and per-connection VarDiff state.
package stratumconn

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yuriy0803/stratum-pool-core/internal/stratumproto"
	"github.com/yuriy0803/stratum-pool-core/internal/vardiff"
)

// State is the connection's position in the subscribe/authorize state
// machine.
type State int

const (
	StateNew State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

// maxLineSize bounds a single inbound Stratum line; exceeding it is treated
// as a socket-flood protocol violation, mirroring the teacher's MaxReqSize
// bufio reader sizing.
const maxLineSize = 16 * 1024

// outboundQueueSize bounds the per-connection write queue so a stalled
// client cannot grow memory unboundedly; once full, Respond/Notify block
// their caller (including a dispatch running on the read loop) until the
// write loop frees a slot or the connection closes.
const outboundQueueSize = 256

// ErrProtocolViolation is returned by the read loop when an inbound line
// fails to parse as JSON or exceeds maxLineSize.
var ErrProtocolViolation = errors.New("stratum protocol violation")

// Connection is one miner TCP session.
type Connection struct {
	id            string
	conn          net.Conn
	remoteAddress string

	mu                sync.Mutex
	state             State
	workerContext     interface{}
	currentDifficulty float64
	previousDifficulty float64
	pendingDifficulty float64
	hasPending        bool
	lastActivity      time.Time

	varDiff *vardiff.Context

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func New(conn net.Conn, varDiffCfg vardiff.Config, minDiff float64) *Connection {
	c := &Connection{
		id:                uuid.New().String(),
		conn:              conn,
		remoteAddress:     remoteIP(conn),
		state:             StateNew,
		currentDifficulty: minDiff,
		lastActivity:      time.Now(),
		varDiff:           vardiff.New(varDiffCfg),
		outbound:          make(chan []byte, outboundQueueSize),
		closed:            make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) RemoteAddress() string  { return c.remoteAddress }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Subscribed() bool { return c.State() >= StateSubscribed }
func (c *Connection) Authorized() bool { return c.State() >= StateAuthorized }

func (c *Connection) MarkSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < StateSubscribed {
		c.state = StateSubscribed
	}
}

func (c *Connection) MarkAuthorized(workerCtx interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerContext = workerCtx
	if c.state < StateAuthorized {
		c.state = StateAuthorized
	}
}

func (c *Connection) WorkerContext() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerContext
}

func (c *Connection) CurrentDifficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDifficulty
}

func (c *Connection) PreviousDifficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousDifficulty
}

// EnqueueNewDifficulty stores a pending difficulty change; it takes effect
// the next time ApplyPendingDifficulty is called (at the next job
// broadcast), so a client is never mid-job when its target moves.
func (c *Connection) EnqueueNewDifficulty(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingDifficulty = d
	c.hasPending = true
}

// ApplyPendingDifficulty atomically moves pendingDifficulty into
// currentDifficulty, copying the old value into previousDifficulty.
// Returns true only if a pending change existed and changed the value.
func (c *Connection) ApplyPendingDifficulty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasPending {
		return false
	}
	c.hasPending = false
	if c.pendingDifficulty == c.currentDifficulty {
		return false
	}
	c.previousDifficulty = c.currentDifficulty
	c.currentDifficulty = c.pendingDifficulty
	return true
}

func (c *Connection) VarDiff() *vardiff.Context { return c.varDiff }

func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) IdleSince() time.Duration {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	return time.Since(last)
}

// writeLoop is the single producer draining the outbound queue onto the
// socket, so interleaved Notify/Respond calls never corrupt the wire —
// every write is exactly one JSON object on one line.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case line, ok := <-c.outbound:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := c.conn.Write(line); err != nil {
				c.Disconnect()
				return
			}
		}
	}
}

func (c *Connection) enqueue(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	select {
	case c.outbound <- payload:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.id)
	}
}

// Respond sends a JSON-RPC success response.
func (c *Connection) Respond(id json.RawMessage, result interface{}) error {
	return c.enqueue(stratumproto.NewResult(id, result))
}

// RespondError sends a JSON-RPC error response using the standard Stratum
// error code table.
func (c *Connection) RespondError(id json.RawMessage, stratumErr *stratumproto.StratumError) error {
	return c.enqueue(stratumproto.NewErrorResponse(id, stratumErr))
}

// Notify sends a server-to-client notification (mining.notify,
// mining.set_difficulty, ...).
func (c *Connection) Notify(method string, params ...interface{}) error {
	return c.enqueue(stratumproto.NewNotification(method, params...))
}

// Disconnect idempotently closes the connection and its outbound queue.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

// ReadLoop parses newline-delimited JSON requests from the socket and
// invokes dispatch for each, in arrival order, until EOF, a protocol
// violation, or the connection is disconnected. A malformed line is a
// protocol violation: the loop returns ErrProtocolViolation immediately
// without invoking dispatch for that line.
func (c *Connection) ReadLoop(dispatch func(*Connection, *stratumproto.Request)) error {
	reader := bufio.NewReaderSize(c.conn, maxLineSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		line, isPrefix, err := reader.ReadLine()
		if isPrefix {
			return ErrProtocolViolation
		}
		if err != nil {
			return err
		}
		if len(line) <= 1 {
			continue
		}

		var req stratumproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return ErrProtocolViolation
		}

		c.Touch()
		dispatch(c, &req)
	}
}
