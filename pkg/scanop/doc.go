/*
Package scanop defines the outbound port for scan work and its registry.

The core never scans anything itself. Concrete scanners (data source
discovery, classification, quality checks, lineage tracing) implement the
Operation interface and register under a type name; stages reference that
type and the registry dispatches each attempt.

Every operation is wrapped in a circuit breaker. A scanner that keeps
failing trips its breaker, and further attempts are rejected as
retryable failures until the breaker half-opens. This keeps one broken
backend from consuming the retry budget of every orchestration that
touches it.

Failure classification:
  - nil error: success, Result consumed by the executor
  - types.Retryable / unclassified error: stage retries with backoff
  - types.Fatal error: stage fails immediately, dependents skip
  - context cancellation: neither counted against the breaker nor retried

Registering an operation:

	reg := scanop.NewRegistry()
	err := reg.Register(scanop.Func{
		OpType: "discovery",
		Fn: func(ctx context.Context, req scanop.Request) (scanop.Result, error) {
			// scan req.Targets.DataSources at req.Depth ...
			return scanop.Result{ItemsProcessed: n, Cost: c}, nil
		},
	})
*/
package scanop
