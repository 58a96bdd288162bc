package link

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/dyluth/groundlink/internal/adapter"
)

// errorClass is how the state machine reacts to an adapter error.
type errorClass int

const (
	// classUnexpected errors are logged at error level, once per message.
	classUnexpected errorClass = iota
	// classTransient errors are ordinary link drops, logged at info level.
	classTransient
	// classCanceled means the instance is stopping.
	classCanceled
)

var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENOTSOCK,
	syscall.EBADF,
	syscall.EPIPE,
}

func classify(err error) errorClass {
	if errors.Is(err, context.Canceled) {
		return classCanceled
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return classTransient
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, adapter.ErrNotConnected) {
		return classTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classTransient
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "canceled") || strings.Contains(msg, "timeout") {
		return classTransient
	}
	return classUnexpected
}

// errorDedup remembers unexpected error messages already logged since the
// last successful connect.
type errorDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// first reports whether msg has not been seen since the last reset.
func (d *errorDedup) first(msg string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]struct{})
	}
	if _, ok := d.seen[msg]; ok {
		return false
	}
	d.seen[msg] = struct{}{}
	return true
}

func (d *errorDedup) reset() {
	d.mu.Lock()
	d.seen = nil
	d.mu.Unlock()
}
