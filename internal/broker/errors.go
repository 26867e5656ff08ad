// Package broker provides the resilient AMQP connection primitives: a Link
// wrapping one connection+channel, a reconnecting Consumer driving the
// inbound notification queue, and per-destination reconnecting Producers
// for outbound reports.
package broker

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// LinkError wraps a transport-level broker fault. Transient causes (network,
// timeouts, broker restarts) are retried with backoff; fatal causes (auth,
// protocol violations) are not.
type LinkError struct {
	Op    string
	Fatal bool
	Cause error
}

func (e *LinkError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("broker link %s (%s): %v", e.Op, kind, e.Cause)
}

func (e *LinkError) Unwrap() error { return e.Cause }

// ErrLinkClosed is returned by operations on a link that is not open.
var ErrLinkClosed = errors.New("broker link is not open")

// linkErr classifies an underlying error into a LinkError.
func linkErr(op string, err error) *LinkError {
	return &LinkError{Op: op, Fatal: isFatal(err), Cause: err}
}

// isFatal reports whether an AMQP error indicates an auth or protocol fault
// that reconnecting cannot fix.
func isFatal(err error) bool {
	var ae *amqp.Error
	if !errors.As(err, &ae) {
		// Plain network errors are transient.
		return false
	}
	switch ae.Code {
	case amqp.AccessRefused, amqp.NotAllowed, amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid:
		return true
	}
	// amqp 530/403 come through the codes above; server-side soft errors
	// such as NotFound on passive declarations are configuration faults.
	if ae.Code == amqp.NotFound {
		return true
	}
	return !ae.Recover
}

// IsTransient reports whether err is a LinkError worth retrying.
func IsTransient(err error) bool {
	var le *LinkError
	if errors.As(err, &le) {
		return !le.Fatal
	}
	return false
}
