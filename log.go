package quic

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/goburrow/quic/transport"
)

type logLevel int

// Log levels
const (
	levelOff logLevel = iota
	levelError
	levelInfo
	levelDebug
	levelTrace
)

func (l logLevel) logrusLevel() logrus.Level {
	switch l {
	case levelError:
		return logrus.ErrorLevel
	case levelInfo:
		return logrus.InfoLevel
	case levelDebug:
		return logrus.DebugLevel
	case levelTrace:
		return logrus.TraceLevel
	default:
		return logrus.PanicLevel
	}
}

// logger logs QUIC transactions through a level-gated logrus.Logger.
type logger struct {
	level logLevel
	mu    sync.Mutex
	base  *logrus.Logger
}

func (s *logger) setWriter(w io.Writer) {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	l.SetLevel(s.level.logrusLevel())
	s.mu.Lock()
	s.base = l
	s.mu.Unlock()
}

func (s *logger) log(level logLevel, format string, values ...interface{}) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if s.level < level || base == nil {
		return
	}
	msg := fmt.Sprintf(format, values...)
	switch level {
	case levelError:
		base.Error(msg)
	case levelInfo:
		base.Info(msg)
	case levelDebug:
		base.Debug(msg)
	case levelTrace:
		base.Trace(msg)
	}
}

// attachLogger wires a connection's transport.LogEvent stream (qlog-style
// packet/frame tracing) into structured per-connection logrus fields, only
// while running at debug level or more verbose.
func (s *logger) attachLogger(c *remoteConn) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if s.level < levelDebug || base == nil {
		return
	}
	tl := transactionLogger{
		base: base,
		fields: logrus.Fields{
			"addr": c.addr.String(),
			"cid":  fmt.Sprintf("%x", c.scid),
		},
	}
	c.conn.OnLogEvent(tl.logEvent)
}

func (s *logger) detachLogger(c *remoteConn) {
	c.conn.OnLogEvent(nil)
}

// transactionLogger turns one transport.LogEvent into a logrus entry
// carrying the connection's address and connection id as fields, plus
// whatever fields the event itself carries (packet numbers, frame types,
// byte offsets and the like).
type transactionLogger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

func (s *transactionLogger) logEvent(e transport.LogEvent) {
	entry := s.base.WithFields(s.fields).WithTime(e.Time)
	for _, f := range e.Fields {
		if f.Str != "" {
			entry = entry.WithField(f.Key, f.Str)
		} else {
			entry = entry.WithField(f.Key, f.Num)
		}
	}
	entry.Debug(e.Type)
}
