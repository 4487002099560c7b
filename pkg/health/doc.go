/*
Package health verifies that the external data sources an orchestration
reads from or writes to are reachable before and while work runs
against them.

Orchestration targets name data sources (a warehouse endpoint, a
database listener, a CLI-reachable service). The health package probes
those sources three ways (HTTP, TCP, Exec), tracks rolling
reachability across repeated probes, and exposes a one-shot Verify for
admission-time preflight plus a background watch with transition
callbacks.

# Architecture

	┌──────────────────────────────────────────────────────┐
	│                      Registry                        │
	│  source name ──► Checker + rolling Status            │
	│                                                      │
	│  Verify(ctx, sources)   one-shot admission preflight │
	│  RunAll(ctx)            probe everything once        │
	│  Start/Stop             background watch loop        │
	│  OnTransition(fn)       reachability flip callback   │
	└────────┬─────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬───────────┐
	    ▼           ▼           ▼
	┌────────┐  ┌────────┐  ┌────────┐
	│  HTTP  │  │  TCP   │  │  Exec  │
	│Checker │  │Checker │  │Checker │
	└────────┘  └────────┘  └────────┘
	     │          │           │
	     ▼          ▼           ▼
	  GET /      connect     run host
	  status      :port      command

# Probe Flow

 1. Register a checker under the source name work will reference
 2. Verify probes the named sources once; unreachable ones are
    named in the returned error, unregistered ones pass silently
 3. The watch loop re-probes every Interval
 4. A probe failure increments consecutive failures
 5. At Retries consecutive failures the source flips unreachable
    and the transition callback fires
 6. A single success flips it back

Sources begin reachable; a StartPeriod grace window records failures
without counting them, so slow-starting backends are not flagged
during warmup.

# Check Types

HTTP checks request a status endpoint and compare the response code
against an accepted range:

	checker := health.NewHTTPChecker("http://warehouse:8080/health").
		WithMethod("GET").
		WithStatusRange(200, 299).
		WithTimeout(5 * time.Second)

TCP checks confirm a listener accepts connections, which suits
databases and brokers that speak a binary protocol:

	checker := health.NewTCPChecker("pg-main:5432")

Exec checks run a host command and treat exit code 0 as reachable,
which suits sources probed through their own CLI tooling:

	checker := health.NewExecChecker([]string{"pg_isready", "-h", "pg-main"})

# Usage

Wire a registry, register the sources orchestrations depend on, and
verify at admission:

	reg := health.NewRegistry(health.Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	})

	_ = reg.Register("warehouse", health.NewHTTPChecker("http://warehouse:8080/health"))
	_ = reg.Register("pg-main", health.NewTCPChecker("pg-main:5432"))

	if err := reg.Verify(ctx, []string{"warehouse", "pg-main"}); err != nil {
		return err // names each unreachable source
	}

	reg.OnTransition(func(source string, healthy bool, message string) {
		// raise or clear an alert for the source
	})
	reg.Start()
	defer reg.Stop()

Rolling status for dashboards or debugging:

	if st, ok := reg.Status("warehouse"); ok {
		fmt.Println(st.Healthy, st.ConsecutiveFailures, st.LastResult.Message)
	}

# Thresholds

Config controls the rolling-status thresholds:

	Interval     time between watch probes        (default 30s)
	Timeout      per-probe deadline               (default 10s)
	Retries      consecutive failures to flip     (default 3)
	StartPeriod  grace window after registration  (default 0, disabled)

Probes run outside the registry lock, so a slow source cannot block
Register, Status, or Sources, and transition callbacks fire after the
lock is released.

# Integration Points

  - pkg/monitor: transition callbacks feed alerts when a source a
    running orchestration depends on goes unreachable
  - pkg/orchestrator: Verify gates admission of work whose targets
    name registered sources
  - cmd/ferret: builds checkers from configuration and starts the
    watch alongside the engine
*/
package health
