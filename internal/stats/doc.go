// Package stats provides per-operation request statistics.
//
// A QueryStats keeps the query count, failure count, the worst observed
// latency and a bounded reservoir of latency samples. Once the reservoir is
// full, the n-th sample replaces a random slot with probability capacity/n,
// so the buffer stays a uniform sample of everything recorded since the last
// reset. The reservoir PRNG is seeded from Config.Seed, which makes sampling
// reproducible in tests.
//
// # Basic Usage
//
//	s := stats.New()
//
//	start := time.Now()
//	err := doRequest()
//	s.Record(time.Since(start), err)
//
// # Polling
//
// Controllers bracket a consistent read with Lock and Unlock:
//
//	s.Lock()
//	p := s.Poll(100) // at most 100 samples, chosen uniformly without replacement
//	s.Reset()        // optional
//	s.Unlock()
//
// Collect does the same in one call. The critical section is bounded by the
// sample capacity.
//
// Summarize computes min, mean, p50, p95, p99 and max from a set of samples.
package stats
