package bisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/ci"
	"github.com/ROCm/therock-tools/internal/metrics"
	"github.com/ROCm/therock-tools/internal/runmap"
)

// Mode selects how a commit's install tree is produced.
type Mode string

const (
	ModeArtifacts Mode = "artifacts"
	ModeRebuild   Mode = "rebuild"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeArtifacts:
		return ModeArtifacts, nil
	case ModeRebuild:
		return ModeRebuild, nil
	}
	return "", fmt.Errorf("unknown bisect mode %q (want %q or %q)", s, ModeArtifacts, ModeRebuild)
}

// History answers questions about commits.
type History interface {
	Commit(ctx context.Context, repo, ref string) (ci.Commit, error)
	Compare(ctx context.Context, repo, base, head string) (ci.Comparison, error)
}

// RunLister lists CI workflow runs.
type RunLister interface {
	ListWorkflowRuns(ctx context.Context, repo, workflow string, since, until time.Time) ([]ci.Run, error)
}

// DefaultRunWindow is how long after a commit lands its CI run may start.
const DefaultRunWindow = 72 * time.Hour

type Config struct {
	Repo     string
	Good     string
	Bad      string
	Workflow string
	Mode     Mode
	// Test is the command run against each install tree.
	Test []string
	// Prefetch materializes both possible next commits while a test runs.
	Prefetch  bool
	RunWindow time.Duration
}

type Deps struct {
	History      History
	Runs         RunLister
	Store        runmap.Store
	Materializer Materializer
	Tester       TestRunner
}

// StepRecord is one tested (or skipped) commit.
type StepRecord struct {
	Commit   string
	Outcome  Outcome
	ExitCode int
	Reason   string
}

type Result struct {
	Session string
	// Good and Bad are the final bounds.
	Good, Bad string
	// FirstBad is empty when skipped commits leave the answer ambiguous;
	// Candidates then lists every commit that may be the first bad one.
	FirstBad   string
	Candidates []string
	Steps      []StepRecord
}

// Orchestrator drives one bisect session. It is not safe for concurrent
// use; each session owns its mapping.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	session string
	logger  *zap.Logger

	mu    sync.Mutex
	state State
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if cfg.Mode == "" {
		cfg.Mode = ModeArtifacts
	}
	if cfg.RunWindow <= 0 {
		cfg.RunWindow = DefaultRunWindow
	}
	session := uuid.NewString()
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		session: session,
		logger:  logger.Named("bisect").With(zap.String("session", session)),
		state:   StateInit,
	}
}

func (o *Orchestrator) Session() string { return o.session }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("state", zap.Stringer("state", s))
}

// Run bisects Good..Bad and reports the first bad commit.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.setState(StateInit)
	good, bad, commits, err := o.validate(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Info("bisecting",
		zap.String("repo", o.cfg.Repo),
		zap.String("good", good.SHA),
		zap.String("bad", bad.SHA),
		zap.Int("commits", len(commits)),
		zap.String("mode", string(o.cfg.Mode)))

	if o.cfg.Mode == ModeArtifacts {
		wanted := make(map[string]bool, len(commits))
		for _, c := range commits {
			wanted[c] = true
		}
		if err := o.loadMapping(ctx, good.Date, bad.Date.Add(o.cfg.RunWindow), wanted); err != nil {
			return nil, err
		}
	}
	o.setState(StateMappingLoaded)

	res := &Result{Session: o.session}
	s := newSearch(len(commits))
	pf := newPrefetcher(o)
	defer pf.stop()

	for {
		i, ok := s.next()
		if !ok {
			break
		}
		if o.cfg.Prefetch && o.cfg.Mode == ModeArtifacts {
			pf.update(ctx, commits[i], indexCommits(commits, s.following(i)))
		}
		rec, err := o.step(ctx, commits[i])
		if err != nil {
			return nil, err
		}
		s.record(i, rec.Outcome)
		res.Steps = append(res.Steps, rec)
	}
	o.setState(StateDone)

	if s.lo >= 0 {
		res.Good = commits[s.lo]
	} else {
		res.Good = good.SHA
	}
	res.Bad = commits[s.hi]
	remaining := s.remaining()
	if len(remaining) == 1 {
		res.FirstBad = commits[remaining[0]]
		o.logger.Info("found first bad commit", zap.String("commit", res.FirstBad))
	} else {
		res.Candidates = indexCommits(commits, remaining)
		o.logger.Warn("skipped commits hide the first bad commit",
			zap.Strings("candidates", res.Candidates))
	}
	return res, nil
}

// Step evaluates a single commit, for use under "git bisect run".
func (o *Orchestrator) Step(ctx context.Context, ref string) (StepRecord, error) {
	c, err := o.deps.History.Commit(ctx, o.cfg.Repo, ref)
	if err != nil {
		return StepRecord{}, fmt.Errorf("resolving %s: %w", ref, err)
	}
	if o.cfg.Mode == ModeArtifacts {
		_, ok, err := o.deps.Store.Get(ctx, runmap.Key{Repo: o.cfg.Repo, Commit: c.SHA})
		if err != nil {
			return StepRecord{}, err
		}
		if !ok {
			if err := o.loadMapping(ctx, c.Date, c.Date.Add(o.cfg.RunWindow), map[string]bool{c.SHA: true}); err != nil {
				return StepRecord{}, err
			}
		}
	}
	return o.step(ctx, c.SHA)
}

func (o *Orchestrator) validate(ctx context.Context) (ci.Commit, ci.Commit, []string, error) {
	invalid := func(reason string) error {
		return &InvalidRangeError{Good: o.cfg.Good, Bad: o.cfg.Bad, Reason: reason}
	}
	good, err := o.deps.History.Commit(ctx, o.cfg.Repo, o.cfg.Good)
	if errors.Is(err, ci.ErrNotFound) {
		return ci.Commit{}, ci.Commit{}, nil, invalid("good commit does not exist")
	}
	if err != nil {
		return ci.Commit{}, ci.Commit{}, nil, err
	}
	bad, err := o.deps.History.Commit(ctx, o.cfg.Repo, o.cfg.Bad)
	if errors.Is(err, ci.ErrNotFound) {
		return ci.Commit{}, ci.Commit{}, nil, invalid("bad commit does not exist")
	}
	if err != nil {
		return ci.Commit{}, ci.Commit{}, nil, err
	}

	cmp, err := o.deps.History.Compare(ctx, o.cfg.Repo, good.SHA, bad.SHA)
	if err != nil {
		return ci.Commit{}, ci.Commit{}, nil, err
	}
	switch cmp.Status {
	case "ahead":
	case "identical":
		return ci.Commit{}, ci.Commit{}, nil, invalid("good and bad are the same commit")
	default:
		return ci.Commit{}, ci.Commit{}, nil, invalid("good is not an ancestor of bad")
	}
	if len(cmp.Commits) == 0 || cmp.Commits[len(cmp.Commits)-1].SHA != bad.SHA {
		return ci.Commit{}, ci.Commit{}, nil, invalid("commit history does not end at bad")
	}

	commits := make([]string, len(cmp.Commits))
	for i, c := range cmp.Commits {
		commits[i] = c.SHA
	}
	return good, bad, commits, nil
}

// loadMapping lists the runs created in [since, until] with one query and
// records, per wanted commit, the newest completed run, preferring
// successful ones.
func (o *Orchestrator) loadMapping(ctx context.Context, since, until time.Time, wanted map[string]bool) error {
	runs, err := o.deps.Runs.ListWorkflowRuns(ctx, o.cfg.Repo, o.cfg.Workflow, since, until)
	if err != nil {
		return fmt.Errorf("listing workflow runs: %w", err)
	}
	best := make(map[string]ci.Run)
	for _, r := range runs {
		if !wanted[r.HeadSHA] || (r.Status != "" && r.Status != "completed") {
			continue
		}
		if prev, ok := best[r.HeadSHA]; ok && !preferRun(r, prev) {
			continue
		}
		best[r.HeadSHA] = r
	}

	shas := make([]string, 0, len(best))
	for sha := range best {
		shas = append(shas, sha)
	}
	sort.Strings(shas)
	for _, sha := range shas {
		r := best[sha]
		err := o.deps.Store.Set(ctx, runmap.Key{Repo: o.cfg.Repo, Commit: sha}, runmap.Run{
			ID:             r.ID,
			URL:            r.URL,
			Conclusion:     r.Conclusion,
			HeadRepository: r.HeadRepository,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
		})
		if err != nil {
			return err
		}
	}
	o.logger.Info("workflow run mapping loaded",
		zap.Int("runs", len(runs)),
		zap.Int("mapped", len(best)),
		zap.Int("commits", len(wanted)))
	return nil
}

func preferRun(a, b ci.Run) bool {
	aok, bok := a.Conclusion == "success", b.Conclusion == "success"
	if aok != bok {
		return aok
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (o *Orchestrator) lookupRun(ctx context.Context, commit string) (*runmap.Run, error) {
	run, ok, err := o.deps.Store.Get(ctx, runmap.Key{Repo: o.cfg.Repo, Commit: commit})
	if err != nil || !ok {
		return nil, err
	}
	return &run, nil
}

func (o *Orchestrator) step(ctx context.Context, commit string) (StepRecord, error) {
	o.setState(StateStepping)
	log := o.logger.With(zap.String("commit", commit))

	var run *runmap.Run
	if o.cfg.Mode == ModeArtifacts {
		var err error
		if run, err = o.lookupRun(ctx, commit); err != nil {
			return StepRecord{}, err
		}
		if run == nil {
			log.Info("no workflow run for commit, skipping")
			return o.finish(StepRecord{Commit: commit, Outcome: Skipped, ExitCode: 125, Reason: "no workflow run"}), nil
		}
	}

	install, err := o.deps.Materializer.Materialize(ctx, commit, run)
	if err != nil {
		if ctx.Err() != nil {
			return StepRecord{}, ctx.Err()
		}
		if errors.Is(err, archive.ErrHashMismatch) {
			return StepRecord{}, err
		}
		log.Warn("could not materialize commit, skipping", zap.Error(err))
		return o.finish(StepRecord{Commit: commit, Outcome: Skipped, ExitCode: 125, Reason: err.Error()}), nil
	}

	env := Environment(os.Environ(), install, commit, runtime.GOOS)
	code, err := o.deps.Tester.RunTest(ctx, o.cfg.Test, env)
	if err != nil {
		return StepRecord{}, fmt.Errorf("running test for %s: %w", commit, err)
	}
	outcome := OutcomeFromExit(code)
	return o.finish(StepRecord{Commit: commit, Outcome: outcome, ExitCode: code}), nil
}

func (o *Orchestrator) finish(rec StepRecord) StepRecord {
	o.setState(rec.Outcome.state())
	metrics.BisectSteps.WithLabelValues(rec.Outcome.String()).Inc()
	o.logger.Info("step",
		zap.String("commit", rec.Commit),
		zap.Stringer("outcome", rec.Outcome),
		zap.Int("exit_code", rec.ExitCode))
	return rec
}

func indexCommits(commits []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = commits[j]
	}
	return out
}

// prefetcher materializes likely next commits in the background.
type prefetcher struct {
	o        *Orchestrator
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func newPrefetcher(o *Orchestrator) *prefetcher {
	return &prefetcher{o: o, inflight: make(map[string]context.CancelFunc)}
}

// update cancels prefetches that fell off the search path and starts the
// missing ones. current keeps running since the step about to start joins
// it.
func (p *prefetcher) update(ctx context.Context, current string, next []string) {
	keep := map[string]bool{current: true}
	for _, c := range next {
		keep[c] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for commit, cancel := range p.inflight {
		if !keep[commit] {
			p.o.logger.Debug("cancelling prefetch", zap.String("commit", commit))
			cancel()
			delete(p.inflight, commit)
		}
	}
	for _, commit := range next {
		if _, ok := p.inflight[commit]; ok {
			continue
		}
		run, err := p.o.lookupRun(ctx, commit)
		if err != nil || run == nil {
			continue
		}
		pctx, cancel := context.WithCancel(ctx)
		p.inflight[commit] = cancel
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.o.deps.Materializer.Materialize(pctx, commit, run); err != nil && pctx.Err() == nil {
				p.o.logger.Debug("prefetch failed", zap.String("commit", commit), zap.Error(err))
			}
		}()
	}
}

func (p *prefetcher) stop() {
	p.mu.Lock()
	for _, cancel := range p.inflight {
		cancel()
	}
	p.inflight = map[string]context.CancelFunc{}
	p.mu.Unlock()
	p.wg.Wait()
}
