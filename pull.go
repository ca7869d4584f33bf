package ocflsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase is a step of a pull.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchingRemoteState
	PhaseIndexingLocal
	PhasePlanning
	PhaseTransferring
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchingRemoteState:
		return "fetching-remote-state"
	case PhaseIndexingLocal:
		return "indexing-local"
	case PhasePlanning:
		return "planning"
	case PhaseTransferring:
		return "transferring"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Puller materializes remote object versions into local directories.
// It holds no per-pull state and is safe for concurrent use.
type Puller struct {
	remote Remote
	opts   PullOptions
}

// NewPuller returns a Puller reading from r.
func NewPuller(r Remote, opts ...Option) (*Puller, error) {
	if r == nil {
		return nil, ErrNoRemote
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if !o.Algorithm.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(o.Algorithm))
	}
	o.SkipDirs = append([]*regexp.Regexp(nil), o.SkipDirs...)
	return &Puller{remote: r, opts: *o}, nil
}

// FetchManifest returns the object's content index across all versions.
func (p *Puller) FetchManifest(ctx context.Context, ref ObjectRef) (*ObjectManifest, error) {
	return p.remote.FetchManifest(ctx, ref)
}

// Pull makes localRoot hold the logical state of version (0 for head) of
// ref. Content already present anywhere under localRoot is never fetched.
//
// The returned error is non-nil when the pull could not get as far as
// transferring, or was cancelled. Failures of individual items are
// recorded in the report; see PullReport.Err.
func (p *Puller) Pull(ctx context.Context, localRoot string, ref ObjectRef, version int) (*PullReport, error) {
	report := &PullReport{
		ID:        uuid.New(),
		Ref:       ref,
		Version:   version,
		LocalRoot: localRoot,
		StartedAt: time.Now(),
	}
	log := p.opts.Logger.With(zap.String("pull", report.ID.String()), zap.Stringer("object", ref))

	fail := func(err error) (*PullReport, error) {
		report.Status = StatusFailed
		if ctx.Err() != nil {
			report.Status = StatusCancelled
		}
		report.Error = err.Error()
		report.Duration = time.Since(report.StartedAt)
		p.phase(log, PhaseFailed)
		log.Error("pull failed", zap.Error(err))
		return report, err
	}

	root, err := filepath.Abs(localRoot)
	if err != nil {
		return fail(&TraversalError{Path: localRoot, Err: err})
	}
	report.LocalRoot = root

	p.phase(log, PhaseFetchingRemoteState)
	var (
		state *VersionState
		idx   *DigestIndex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := p.remote.FetchVersionState(gctx, ref, version)
		if err != nil {
			return fmt.Errorf("fetch version state: %w", err)
		}
		if err := s.Validate(); err != nil {
			return &TransportError{Op: "fetch version state", Err: err}
		}
		state = s
		return nil
	})

	p.phase(log, PhaseIndexingLocal)
	if err := os.MkdirAll(root, 0755); err != nil {
		_ = g.Wait()
		return fail(&WriteError{Path: root, Err: err})
	}
	if root, err = resolveRoot(root); err != nil {
		_ = g.Wait()
		return fail(&TraversalError{Path: localRoot, Err: err})
	}
	report.LocalRoot = root
	g.Go(func() error {
		x, err := BuildLocalIndex(gctx, root, p.opts.Algorithm, p.opts.indexOptions()...)
		if err != nil {
			return fmt.Errorf("index local root: %w", err)
		}
		idx = x
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	report.Version = state.Version
	report.Head = state.Head
	report.Algorithm = state.Algorithm

	if idx.Algorithm != state.Algorithm {
		log.Info("remote uses another digest algorithm, indexing again",
			zap.Stringer("local", idx.Algorithm), zap.Stringer("remote", state.Algorithm))
		if idx, err = BuildLocalIndex(ctx, root, state.Algorithm, p.opts.indexOptions()...); err != nil {
			return fail(fmt.Errorf("index local root: %w", err))
		}
	}
	if p.opts.SkipHidden || len(p.opts.SkipDirs) > 0 {
		if err := idx.IncludeDeclared(ctx, state.State); err != nil {
			return fail(fmt.Errorf("index local root: %w", err))
		}
	}
	log.Info("local root indexed", zap.Int("files", idx.Files()), zap.Int("digests", idx.Len()))

	p.phase(log, PhasePlanning)
	plan, err := Plan(idx, state)
	if err != nil {
		return fail(err)
	}
	report.Items = len(plan.Items)
	report.Complete = plan.CompleteCount()
	report.ToFetch = len(plan.Fetch())
	report.ToCopy = len(plan.Local())
	log.Info("planned pull",
		zap.Int("version", state.Version),
		zap.Int("items", report.Items),
		zap.Int("complete", report.Complete),
		zap.Int("fetch", report.ToFetch),
		zap.Int("copy", report.ToCopy),
		zap.Int64("fetch_bytes", plan.FetchBytes()))
	if p.opts.PlanHook != nil {
		p.opts.PlanHook(plan)
	}

	p.phase(log, PhaseTransferring)
	report.Outcomes = p.transfer(ctx, log, root, ref, plan)
	report.Duration = time.Since(report.StartedAt)

	if err := ctx.Err(); err != nil {
		report.Status = StatusCancelled
		report.Error = err.Error()
		p.phase(log, PhaseFailed)
		return report, err
	}
	report.Status = report.status()
	p.phase(log, PhaseDone)
	log.Info("pull finished",
		zap.String("status", string(report.Status)),
		zap.Int("written", report.FilesWritten()),
		zap.Int("failed", len(report.Failed())),
		zap.Int64("bytes_fetched", report.BytesFetched()),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (p *Puller) phase(log *zap.Logger, ph Phase) {
	log.Debug("phase", zap.Stringer("phase", ph))
	if p.opts.PhaseHook != nil {
		p.opts.PhaseHook(ph)
	}
}

// transferJob is one plan item with its resolved destinations.
type transferJob struct {
	item    PlanItem
	dests   []string
	skipped []string

	// source is the local path copied from, for satisfied items.
	source string
	// opened is a source opened before any transfer started, used when
	// every local source is itself about to be overwritten.
	opened  io.ReadCloser
	openErr error
}

func (p *Puller) jobs(root string, plan *PullPlan) []*transferJob {
	overwritten := map[string]bool{}
	if p.opts.Replace {
		for _, it := range plan.Items {
			for _, c := range it.Conflicts {
				overwritten[c] = true
			}
		}
	}

	var jobs []*transferJob
	for _, it := range plan.Items {
		if len(it.Missing) == 0 {
			continue
		}
		j := &transferJob{item: it}
		for _, dest := range it.Missing {
			if !p.opts.Replace && slices.Contains(it.Conflicts, dest) {
				j.skipped = append(j.skipped, dest)
				continue
			}
			j.dests = append(j.dests, dest)
		}
		if it.Satisfied && len(j.dests) > 0 {
			for _, src := range it.Sources {
				if !overwritten[src] {
					j.source = src
					break
				}
			}
			if j.source == "" {
				j.source = it.Sources[0]
				f, err := os.Open(localPath(root, j.source))
				if err != nil {
					j.openErr = &TraversalError{Path: j.source, Err: err}
				} else {
					j.opened = f
				}
			}
		}
		jobs = append(jobs, j)
	}
	return jobs
}

func (p *Puller) transfer(ctx context.Context, log *zap.Logger, root string, ref ObjectRef, plan *PullPlan) []ItemOutcome {
	jobs := p.jobs(root, plan)
	outcomes := make([]ItemOutcome, 0, len(jobs))

	rp := pool.NewWithResults[ItemOutcome]().WithMaxGoroutines(p.opts.Concurrency).WithContext(ctx)
	for _, j := range jobs {
		if len(j.dests) == 0 {
			out := ItemOutcome{Digest: j.item.Digest, Skipped: j.skipped}
			log.Debug("keeping local files", zap.String("digest", j.item.Digest.Short()), zap.Strings("paths", j.skipped))
			p.itemDone(out)
			outcomes = append(outcomes, out)
			continue
		}
		rp.Go(func(ctx context.Context) (ItemOutcome, error) {
			out := p.run(ctx, root, ref, plan.Algorithm, j)
			if out.OK() {
				log.Debug("item done",
					zap.String("digest", out.Digest.Short()),
					zap.Bool("fetched", out.Fetched),
					zap.Strings("written", out.Written))
			} else if !out.Cancelled {
				log.Error("item failed",
					zap.String("digest", out.Digest.Short()),
					zap.Strings("destinations", out.Destinations),
					zap.Error(out.Err))
			}
			p.itemDone(out)
			return out, nil
		})
	}
	done, _ := rp.Wait()
	outcomes = append(outcomes, done...)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Digest < outcomes[j].Digest })
	return outcomes
}

func (p *Puller) itemDone(out ItemOutcome) {
	if p.opts.ItemHook != nil {
		p.opts.ItemHook(out)
	}
}

func (p *Puller) run(ctx context.Context, root string, ref ObjectRef, alg Algorithm, j *transferJob) (out ItemOutcome) {
	out = ItemOutcome{
		Digest:       j.item.Digest,
		Destinations: j.dests,
		Skipped:      j.skipped,
		Source:       j.source,
	}
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	if err := ctx.Err(); err != nil {
		if j.opened != nil {
			_ = j.opened.Close()
		}
		out.Cancelled = true
		out.setErr(err)
		return out
	}

	var rc io.ReadCloser
	switch {
	case j.openErr != nil:
		out.setErr(j.openErr)
		return out
	case j.opened != nil:
		rc = j.opened
	case j.item.Satisfied:
		f, err := os.Open(localPath(root, j.source))
		if err != nil {
			out.setErr(&TraversalError{Path: j.source, Err: err})
			return out
		}
		rc = f
	default:
		blob, err := p.remote.OpenBlob(ctx, ref, j.item.Digest)
		if err != nil {
			out.setErr(fmt.Errorf("open blob: %w", err))
			out.Cancelled = ctx.Err() != nil
			return out
		}
		rc = blob
		out.Fetched = true
	}
	defer rc.Close()

	opts := []WriteOption{WithExpectDigest(alg, j.item.Digest)}
	if j.item.Size > 0 {
		opts = append(opts, WithExpectSize(j.item.Size))
	}
	if p.opts.ByteHook != nil {
		opts = append(opts, WithWriteHook(p.opts.ByteHook))
	}
	res, err := WriteStream(ctx, rc, root, j.dests, opts...)
	out.Written = res.Written
	out.Bytes = res.Bytes
	if err != nil {
		out.Cancelled = ctx.Err() != nil
		out.setErr(err)
	}
	return out
}

func localPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
