package ocflsync

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/aweris/ocflsync/internal/remote"
)

// DefaultConcurrency is the number of plan items transferred at once.
const DefaultConcurrency = remote.DefaultConcurrency

// PullOptions configures a Puller.
type PullOptions struct {
	// Algorithm is used to index the local root. If the remote declares a
	// different algorithm the root is indexed again with that one.
	Algorithm Algorithm

	Concurrency       int
	DigestConcurrency int

	SkipHidden bool
	SkipDirs   []*regexp.Regexp

	// Replace overwrites destinations that exist locally with other
	// content. When false those destinations are left alone and reported
	// as skipped.
	Replace bool

	Logger *zap.Logger

	PhaseHook func(Phase)
	PlanHook  func(*PullPlan)
	ItemHook  func(ItemOutcome)
	// ByteHook receives the size of every chunk written during transfer.
	// It is called from several goroutines.
	ByteHook func(n int)
}

// Option is a functional option for configuring NewPuller.
type Option func(*PullOptions)

func defaultOptions() *PullOptions {
	return &PullOptions{
		Algorithm:   DefaultAlgorithm,
		Concurrency: DefaultConcurrency,
		Replace:     true,
		Logger:      zap.NewNop(),
	}
}

// WithAlgorithm sets the algorithm used to index the local root.
func WithAlgorithm(alg Algorithm) Option {
	return func(o *PullOptions) { o.Algorithm = alg }
}

// WithConcurrency sets the number of parallel transfers.
func WithConcurrency(n int) Option {
	return func(o *PullOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithIndexConcurrency sets the number of files hashed at once.
func WithIndexConcurrency(n int) Option {
	return func(o *PullOptions) {
		if n > 0 {
			o.DigestConcurrency = n
		}
	}
}

// WithHiddenSkipped leaves dot files and dot directories out of the
// local index.
func WithHiddenSkipped() Option {
	return func(o *PullOptions) { o.SkipHidden = true }
}

// WithSkipDirs leaves directories matching any of the expressions out of
// the local index.
func WithSkipDirs(res ...*regexp.Regexp) Option {
	return func(o *PullOptions) { o.SkipDirs = append(o.SkipDirs, res...) }
}

// WithReplace controls whether conflicting local files are overwritten.
func WithReplace(replace bool) Option {
	return func(o *PullOptions) { o.Replace = replace }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *PullOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithPhaseHook is called on every phase transition.
func WithPhaseHook(fn func(Phase)) Option {
	return func(o *PullOptions) { o.PhaseHook = fn }
}

// WithPlanHook is called with the plan before transfers start.
func WithPlanHook(fn func(*PullPlan)) Option {
	return func(o *PullOptions) { o.PlanHook = fn }
}

// WithItemHook is called as each plan item finishes. It may be called
// from several goroutines.
func WithItemHook(fn func(ItemOutcome)) Option {
	return func(o *PullOptions) { o.ItemHook = fn }
}

// WithByteHook receives transfer progress in bytes.
func WithByteHook(fn func(n int)) Option {
	return func(o *PullOptions) { o.ByteHook = fn }
}

func (o *PullOptions) indexOptions() []IndexOption {
	opts := []IndexOption{WithIndexLogger(o.Logger)}
	if o.SkipHidden {
		opts = append(opts, WithSkipHidden())
	}
	for _, re := range o.SkipDirs {
		opts = append(opts, WithSkipDirRE(re))
	}
	if o.DigestConcurrency > 0 {
		opts = append(opts, WithDigestConcurrency(o.DigestConcurrency))
	}
	return opts
}
