// Package logger provides a small structured-logging facade used by every
// component in the core so call sites never reach for fmt.Println directly.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component logs through.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
}

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.Out = os.Stderr
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetLevel adjusts the verbosity of every logger returned by New.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}

type entry struct {
	*logrus.Entry
}

// New returns a Logger tagged with component, so multiplexed torrent/peer
// logs stay attributable to their source.
func New(component string) Logger {
	return &entry{root().WithField("component", component)}
}

func (e *entry) Debugln(args ...interface{})                 { e.Entry.Debugln(args...) }
func (e *entry) Debugf(format string, args ...interface{})   { e.Entry.Debugf(format, args...) }
func (e *entry) Infoln(args ...interface{})                  { e.Entry.Infoln(args...) }
func (e *entry) Infof(format string, args ...interface{})    { e.Entry.Infof(format, args...) }
func (e *entry) Warningln(args ...interface{})                { e.Entry.Warnln(args...) }
func (e *entry) Warningf(format string, args ...interface{})  { e.Entry.Warnf(format, args...) }
func (e *entry) Errorln(args ...interface{})                  { e.Entry.Errorln(args...) }
func (e *entry) Errorf(format string, args ...interface{})    { e.Entry.Errorf(format, args...) }
func (e *entry) Error(args ...interface{})                    { e.Entry.Error(args...) }
