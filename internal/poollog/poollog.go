// Package poollog builds the structured loggers used throughout the pool
// core, replacing the teacher's bare log.Printf calls with sirupsen/logrus
// fields for pool, connection, and remote-address context.
package poollog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the base logger for the process. Level defaults to Info when
// empty or unparseable.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stdout
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

// ForPool returns a logger entry scoped to one pool.
func ForPool(base *logrus.Logger, poolID string) *logrus.Entry {
	return base.WithField("pool", poolID)
}

// ForConn returns a logger entry scoped to one pool connection.
func ForConn(base *logrus.Entry, connID, remoteAddr string) *logrus.Entry {
	return base.WithFields(logrus.Fields{"connId": connID, "remoteAddr": remoteAddr})
}
