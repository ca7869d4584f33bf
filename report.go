package ocflsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the overall result of a pull.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ExitCode returns the process exit code for the status.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusPartial:
		return 1
	case StatusFailed:
		return 2
	case StatusCancelled:
		return 3
	default:
		return 2
	}
}

// ItemOutcome is the result of transferring one plan item.
type ItemOutcome struct {
	Digest       Digest   `json:"digest" yaml:"digest"`
	Destinations []string `json:"destinations" yaml:"destinations"`
	Written      []string `json:"written,omitempty" yaml:"written,omitempty"`
	// Skipped are conflicting destinations left untouched because
	// replacing was disabled.
	Skipped []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	// Source is the local path content was copied from, if any.
	Source    string        `json:"source,omitempty" yaml:"source,omitempty"`
	Fetched   bool          `json:"fetched" yaml:"fetched"`
	Bytes     int64         `json:"bytes" yaml:"bytes"`
	Cancelled bool          `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Err       error         `json:"-" yaml:"-"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// OK reports whether the item finished without error.
func (o ItemOutcome) OK() bool { return o.Err == nil }

func (o *ItemOutcome) setErr(err error) {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// PullReport summarizes one Pull call.
type PullReport struct {
	ID        uuid.UUID `json:"id" yaml:"id"`
	Ref       ObjectRef `json:"ref" yaml:"ref"`
	Version   int       `json:"version" yaml:"version"`
	Head      int       `json:"head" yaml:"head"`
	Algorithm Algorithm `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	LocalRoot string    `json:"local_root" yaml:"local_root"`

	// Plan counts.
	Items    int `json:"items" yaml:"items"`
	Complete int `json:"complete" yaml:"complete"`
	ToFetch  int `json:"to_fetch" yaml:"to_fetch"`
	ToCopy   int `json:"to_copy" yaml:"to_copy"`

	Outcomes []ItemOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`

	Status    Status        `json:"status" yaml:"status"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Failed returns the outcomes that ended in error, cancelled ones included.
func (r *PullReport) Failed() []ItemOutcome {
	var out []ItemOutcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Succeeded returns the outcomes that finished without error.
func (r *PullReport) Succeeded() []ItemOutcome {
	var out []ItemOutcome
	for _, o := range r.Outcomes {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Err joins the per-item errors, each prefixed with its digest.
func (r *PullReport) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Digest.Short(), o.Err))
	}
	return errors.Join(errs...)
}

// BytesFetched sums the bytes received from the remote.
func (r *PullReport) BytesFetched() int64 {
	var n int64
	for _, o := range r.Outcomes {
		if o.Fetched {
			n += o.Bytes
		}
	}
	return n
}

// FilesWritten counts the destinations written.
func (r *PullReport) FilesWritten() int {
	n := 0
	for _, o := range r.Outcomes {
		n += len(o.Written)
	}
	return n
}

func (r *PullReport) status() Status {
	failed := len(r.Failed())
	switch {
	case failed == 0:
		return StatusSuccess
	case failed < len(r.Outcomes) || r.Complete > 0 || r.FilesWritten() > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
