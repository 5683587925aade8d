// Package ci queries the CI provider for commits and workflow runs.
package ci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Run is the part of a workflow run the bisector needs.
type Run struct {
	ID             int64
	HeadSHA        string
	URL            string
	Status         string
	Conclusion     string
	Event          string
	HeadRepository string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Commit struct {
	SHA  string
	Date time.Time
}

// Comparison describes head relative to base.
type Comparison struct {
	// Status is "ahead", "behind", "identical" or "diverged".
	Status string
	// Commits are reachable from head but not base, oldest first.
	Commits []Commit
}

var ErrNotFound = errors.New("not found")

type Options struct {
	Token string
	// BaseURL overrides https://api.github.com/, e.g. for GitHub Enterprise.
	BaseURL           string
	RequestsPerSecond float64
	// MaxRateLimitWait bounds how long a call sleeps for a rate-limit reset.
	MaxRateLimitWait time.Duration
	HTTPClient       *http.Client
}

// GitHub talks to the GitHub REST API.
type GitHub struct {
	client  *github.Client
	limiter *rate.Limiter
	maxWait time.Duration
	logger  *zap.Logger
}

func NewGitHub(opts Options, logger *zap.Logger) (*GitHub, error) {
	httpClient := opts.HTTPClient
	if opts.Token != "" {
		ctx := context.Background()
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", opts.BaseURL, err)
		}
		client.BaseURL = u
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	maxWait := opts.MaxRateLimitWait
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	return &GitHub{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		maxWait: maxWait,
		logger:  logger.Named("github"),
	}, nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("repository %q must be owner/repo", repo)
	}
	return owner, name, nil
}

// call throttles fn and, when GitHub reports a rate limit, sleeps until the
// limit resets and tries again.
func (g *GitHub) call(ctx context.Context, what string, fn func() (*github.Response, error)) error {
	const maxRateLimitRetries = 3
	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := fn()
		if err == nil {
			return nil
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}

		var wait time.Duration
		var rateErr *github.RateLimitError
		var abuseErr *github.AbuseRateLimitError
		switch {
		case errors.As(err, &rateErr):
			wait = time.Until(rateErr.Rate.Reset.Time)
		case errors.As(err, &abuseErr):
			wait = abuseErr.GetRetryAfter()
		default:
			return fmt.Errorf("%s: %w", what, err)
		}
		if attempt >= maxRateLimitRetries || wait > g.maxWait {
			return fmt.Errorf("%s: rate limited: %w", what, err)
		}
		if wait < time.Second {
			wait = time.Second
		}
		g.logger.Warn("GitHub rate limit reached, waiting",
			zap.String("call", what),
			zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ListWorkflowRuns returns every run of workflow (a file name such as
// "ci.yml", or "" for all workflows) created in [since, until]. It issues
// one paginated query filtered by creation date.
func (g *GitHub) ListWorkflowRuns(ctx context.Context, repo, workflow string, since, until time.Time) ([]Run, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &github.ListWorkflowRunsOptions{
		Created:     since.UTC().Format(time.RFC3339) + ".." + until.UTC().Format(time.RFC3339),
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []Run
	for {
		var page *github.WorkflowRuns
		err := g.call(ctx, "list workflow runs", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			if workflow == "" {
				page, resp, err = g.client.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
			} else {
				page, resp, err = g.client.Actions.ListWorkflowRunsByFileName(ctx, owner, name, workflow, opts)
			}
			if err == nil && resp != nil {
				opts.Page = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range page.WorkflowRuns {
			out = append(out, convertRun(r))
		}
		if opts.Page == 0 {
			break
		}
	}
	g.logger.Debug("listed workflow runs",
		zap.String("repo", repo),
		zap.String("workflow", workflow),
		zap.Time("since", since),
		zap.Time("until", until),
		zap.Int("runs", len(out)))
	return out, nil
}

func (g *GitHub) WorkflowRun(ctx context.Context, repo string, runID int64) (Run, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Run{}, err
	}
	var run *github.WorkflowRun
	err = g.call(ctx, fmt.Sprintf("get workflow run %d", runID), func() (*github.Response, error) {
		var resp *github.Response
		var err error
		run, resp, err = g.client.Actions.GetWorkflowRunByID(ctx, owner, name, runID)
		return resp, err
	})
	if err != nil {
		return Run{}, err
	}
	return convertRun(run), nil
}

func (g *GitHub) Commit(ctx context.Context, repo, ref string) (Commit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Commit{}, err
	}
	var rc *github.RepositoryCommit
	err = g.call(ctx, "get commit "+ref, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		rc, resp, err = g.client.Repositories.GetCommit(ctx, owner, name, ref, nil)
		return resp, err
	})
	if err != nil {
		return Commit{}, err
	}
	return convertCommit(rc), nil
}

// Compare pages through every commit between base and head.
func (g *GitHub) Compare(ctx context.Context, repo, base, head string) (Comparison, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Comparison{}, err
	}
	opts := &github.ListOptions{PerPage: 100}
	var out Comparison
	for {
		var cmp *github.CommitsComparison
		err := g.call(ctx, "compare "+base+"..."+head, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			cmp, resp, err = g.client.Repositories.CompareCommits(ctx, owner, name, base, head, opts)
			if err == nil && resp != nil {
				opts.Page = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return Comparison{}, err
		}
		out.Status = cmp.GetStatus()
		for _, c := range cmp.Commits {
			out.Commits = append(out.Commits, convertCommit(c))
		}
		if opts.Page == 0 {
			break
		}
	}
	return out, nil
}

func convertRun(r *github.WorkflowRun) Run {
	return Run{
		ID:             r.GetID(),
		HeadSHA:        r.GetHeadSHA(),
		URL:            r.GetHTMLURL(),
		Status:         r.GetStatus(),
		Conclusion:     r.GetConclusion(),
		Event:          r.GetEvent(),
		HeadRepository: r.GetHeadRepository().GetFullName(),
		CreatedAt:      r.GetCreatedAt().Time,
		UpdatedAt:      r.GetUpdatedAt().Time,
	}
}

func convertCommit(c *github.RepositoryCommit) Commit {
	return Commit{
		SHA:  c.GetSHA(),
		Date: c.GetCommit().GetCommitter().GetDate().Time,
	}
}
