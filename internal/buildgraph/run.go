package buildgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ROCm/therock-tools/internal/metrics"
)

// Runner executes graph targets.
type Runner struct {
	graph  *Graph
	logger *zap.Logger
}

func NewRunner(graph *Graph, logger *zap.Logger) *Runner {
	return &Runner{graph: graph, logger: logger.Named("buildgraph")}
}

// Run executes the closure of target with at most parallelism actions in
// flight. A failed node fails its dependents; independent nodes still run.
// The returned error combines one *NodeError per failed action.
func (r *Runner) Run(ctx context.Context, target string, parallelism int) error {
	order, err := r.graph.Order(target)
	if err != nil {
		return err
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}
	var (
		mu      sync.Mutex
		failed  = make(map[string]bool, len(order))
		errs    error
		started = time.Now()
	)

	// Nodes are launched in topological order, so every dependency of a
	// waiting node already holds or has released a slot.
	var g errgroup.Group
	g.SetLimit(parallelism)
	for _, name := range order {
		n := r.graph.nodes[name]
		g.Go(func() error {
			defer close(done[name])

			depFailed := ""
			for _, d := range r.graph.Deps(name) {
				<-done[d]
				mu.Lock()
				if failed[d] && depFailed == "" {
					depFailed = d
				}
				mu.Unlock()
			}

			var err error
			switch {
			case depFailed != "":
				err = fmt.Errorf("%w: %s", ErrDependencyFailed, depFailed)
			case ctx.Err() != nil:
				err = ctx.Err()
			case n.action != nil:
				err = n.action(ctx)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				metrics.GraphNodes.WithLabelValues("ok").Inc()
			case errors.Is(err, ErrDependencyFailed):
				failed[name] = true
				metrics.GraphNodes.WithLabelValues("skipped").Inc()
				r.logger.Warn("skipping node", zap.String("node", name), zap.Error(err))
			default:
				failed[name] = true
				errs = multierr.Append(errs, &NodeError{Node: name, Err: err})
				metrics.GraphNodes.WithLabelValues("failed").Inc()
				r.logger.Error("node failed", zap.String("node", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("target finished",
		zap.String("target", target),
		zap.Int("nodes", len(order)),
		zap.Int("failed", len(multierr.Errors(errs))),
		zap.Duration("elapsed", time.Since(started)))
	return errs
}
