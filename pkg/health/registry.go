package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/types"
)

// TransitionFunc is called when a watched source flips between
// reachable and unreachable. Called outside the registry lock.
type TransitionFunc func(source string, healthy bool, message string)

// Registry maps data-source names to preflight checkers and tracks
// rolling status across repeated checks. Orchestration targets name
// sources; the registry answers whether those sources are reachable
// before work is admitted against them.
type Registry struct {
	mu       sync.Mutex
	checkers map[string]Checker
	status   map[string]*Status

	config       Config
	onTransition TransitionFunc
	logger       zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. Zero config fields fall back to
// DefaultConfig values.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		status:   make(map[string]*Status),
		config:   cfg.withDefaults(),
		logger:   log.WithComponent("preflight"),
		stopCh:   make(chan struct{}),
	}
}

// OnTransition installs the callback fired on reachability flips.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// Register adds a checker for a named data source.
func (r *Registry) Register(source string, c Checker) error {
	if source == "" {
		return fmt.Errorf("source name required: %w", types.ErrInvalidRequest)
	}
	if c == nil {
		return fmt.Errorf("checker required for source %q: %w", source, types.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.checkers[source]; exists {
		return fmt.Errorf("source %q already registered: %w", source, types.ErrConflict)
	}
	r.checkers[source] = c
	r.status[source] = NewStatus()
	r.logger.Info().Str("source", source).Str("check", string(c.Type())).Msg("preflight check registered")
	return nil
}

// Deregister removes a source. No-op if absent.
func (r *Registry) Deregister(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, source)
	delete(r.status, source)
}

// Sources returns registered source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status returns a copy of the rolling status for one source.
func (r *Registry) Status(source string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.status[source]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// RunAll checks every registered source once and returns the results.
// Rolling status is updated as in watch mode.
func (r *Registry) RunAll(ctx context.Context) map[string]Result {
	return r.runChecks(ctx, nil)
}

// Verify checks the named sources once and returns an error naming
// every unreachable one. Sources without a registered checker pass;
// absence of a preflight check is not a failure.
func (r *Registry) Verify(ctx context.Context, sources []string) error {
	want := make(map[string]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}

	results := r.runChecks(ctx, want)

	var failed []string
	for name, res := range results {
		if !res.Healthy {
			failed = append(failed, fmt.Sprintf("%s (%s)", name, res.Message))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("unreachable data sources: %s: %w",
			strings.Join(failed, "; "), types.ErrResourceDenied)
	}
	return nil
}

// Start begins watching all registered sources on the configured
// interval. Stop halts the watcher.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.watch()
	r.logger.Info().Dur("interval", r.config.Interval).Msg("preflight watch started")
}

// Stop halts the watch loop and waits for it.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) watch() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Each probe is bounded by config.Timeout inside runChecks.
			r.runChecks(context.Background(), nil)
		case <-r.stopCh:
			return
		}
	}
}

// runChecks probes the selected sources (all when want is nil) without
// holding the lock, then folds results into the rolling status. Fires
// transition callbacks after the lock is released.
func (r *Registry) runChecks(ctx context.Context, want map[string]bool) map[string]Result {
	r.mu.Lock()
	targets := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		if want == nil || want[name] {
			targets[name] = c
		}
	}
	cfg := r.config
	r.mu.Unlock()

	results := make(map[string]Result, len(targets))
	for name, c := range targets {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		results[name] = c.Check(checkCtx)
		cancel()
	}

	type flip struct {
		source  string
		healthy bool
		message string
	}
	var flips []flip

	r.mu.Lock()
	for name, res := range results {
		st, ok := r.status[name]
		if !ok {
			// Deregistered while checking.
			continue
		}
		if st.Update(res, cfg) {
			flips = append(flips, flip{source: name, healthy: st.Healthy, message: res.Message})
		}
	}
	fn := r.onTransition
	r.mu.Unlock()

	for _, f := range flips {
		if f.healthy {
			r.logger.Info().Str("source", f.source).Msg("data source reachable again")
		} else {
			r.logger.Warn().Str("source", f.source).Str("reason", f.message).Msg("data source unreachable")
		}
		if fn != nil {
			fn(f.source, f.healthy, f.message)
		}
	}
	return results
}
