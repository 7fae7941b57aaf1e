// Package worker provides a pool of goroutines that repeat one step.
//
// A Pool runs a fixed number of workers. Each worker calls the Step passed
// to Start in a loop until the step returns false or the pool is stopped.
//
// # Basic Usage
//
//	pool := worker.NewPool(4) // 4 workers
//	pool.Start(ctx, func(ctx context.Context, id int) bool {
//	    // one unit of work
//	    return true
//	})
//	defer pool.Stop()
//
// # Graceful Shutdown
//
// Stop cancels the context handed to the steps and waits for every worker
// to return, so a step that is in the middle of a request finishes it first.
// A stopped pool can be started again; it never runs more than NumWorkers
// goroutines at once.
package worker
