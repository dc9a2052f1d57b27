// Package webservlog configures logrus the way the daemon wants it: a
// timestamped text formatter, an optional debug level, and a SIGUSR1 trap
// that dumps all goroutine stacks for postmortem debugging.
package webservlog

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Setup installs the text formatter and, if debug is true, lowers the log
// level so that per-connection tracing becomes visible.
func Setup(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// dumpStacks writes every goroutine's stack trace to the log. Doubles the
// scratch buffer until the trace fits.
func dumpStacks() {
	var (
		buf       []byte
		stackSize int
	)
	bufferLen := 16384
	for stackSize == len(buf) {
		buf = make([]byte, bufferLen)
		stackSize = runtime.Stack(buf, true)
		bufferLen *= 2
	}
	buf = buf[:stackSize]
	logrus.Infof("=== BEGIN goroutine stack dump ===\n%s\n=== END goroutine stack dump ===", buf)
}

// TrapStackDumps starts a background goroutine that dumps all stacks on
// SIGUSR1 and returns immediately; the goroutine itself runs for the life of
// the process.
func TrapStackDumps() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)
	go func() {
		for range c {
			dumpStacks()
		}
	}()
}

// CheckFileDescriptorLimit raises RLIMIT_NOFILE to its max when the current
// soft limit looks too small for an event-driven server juggling one
// descriptor per client plus two pipes per in-flight CGI child.
func CheckFileDescriptorLimit(min uint64) error {
	var l syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &l); err != nil {
		return err
	}
	if l.Cur <= min {
		logrus.WithFields(logrus.Fields{
			"current": l.Cur,
			"max":     l.Max,
		}).Warn("webservd: low RLIMIT_NOFILE changing to max")
		l.Cur = l.Max
		return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &l)
	}
	return nil
}
