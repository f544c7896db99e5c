// Package processor executes the unit of work behind one item: fetch the
// file, package it as an artifact, store it and report where it lives.
//
// Failures are classified into three kinds. Transient and Timeout
// failures are retried by the worker with backoff; Permanent failures end
// the item immediately.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

// Processor produces the artifact for one file.
type Processor interface {
	Process(ctx context.Context, fileID int64) (job.Result, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, fileID int64) (job.Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, fileID int64) (job.Result, error) { return f(ctx, fileID) }

// Kind classifies a processing failure.
type Kind int

const (
	// KindTransient failures may succeed on another attempt.
	KindTransient Kind = iota
	// KindPermanent failures will never succeed.
	KindPermanent
	// KindTimeout failures exceeded the attempt deadline. They are
	// retried like transient failures.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether another attempt may help.
func (k Kind) Retryable() bool { return k != KindPermanent }

// Error is a classified processing failure.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failure: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Failure converts e to the summary stored on an item.
func (e *Error) Failure() job.Failure {
	msg := e.Code
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return job.Failure{Code: e.Code, Message: msg}
}

// Transient returns a retryable failure.
func Transient(code string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// Permanent returns a failure that is never retried.
func Permanent(code string, err error) *Error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// Timeout returns a deadline failure.
func Timeout(err error) *Error {
	return &Error{Kind: KindTimeout, Code: job.CodeTimeout, Err: err}
}

// Classify maps any error returned by a Processor to an *Error.
// Already classified errors pass through. Deadline expiry becomes
// Timeout; network resets and unexpected EOFs become Transient;
// validation errors become Permanent. Anything else is treated as
// transient so that it is retried and eventually dead-lettered.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(err)
	}
	if errors.Is(err, courier.ErrValidation) {
		return Permanent(job.CodeInvalidFile, err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, new(*net.OpError)) {
		return Transient(job.CodeUnavailable, err)
	}
	return Transient(job.CodeInternal, err)
}
