// Package client provides the dispatch scheduler that drives operations.
//
// A Client owns a table of (weight, op.Op) pairs and a worker pool. While
// running, every worker repeatedly draws an operation with probability
// proportional to its weight and executes it, so the long-run mix follows
// the configured ratios without coordination between workers.
//
// # Basic Usage
//
//	cl := client.New(client.Config{NumWorkers: 8})
//	cl.AddOp(1, insertOp)
//	cl.AddOp(3, readOp)
//
//	// Run for a duration
//	if err := cl.RunFor(ctx, 10*time.Second); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Or run a fixed number of requests
//	err := cl.RunRequests(ctx, 10000)
//
// # Lifecycle
//
// A Client moves Created -> Running -> Stopped and can be started again after
// it stops. Start while running returns ErrAlreadyRunning, Stop while not
// running returns ErrNotRunning and AddOp while running returns ErrRunning.
// Stop waits for in-flight requests: they run on a context that is not
// cancelled by Stop.
//
// # Configuration
//
// The Config struct allows tuning:
//   - NumWorkers: parallel workers (0 = CPU count)
//   - RequestsLimit: max requests per run (0 = unlimited)
//   - MaxRate: total ops per second across workers (0 = unlimited)
//   - Seed: seed of the per-worker random generators (0 = time based)
package client
