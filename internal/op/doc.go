// Package op provides the workload operations executed by the client.
//
// Each Op performs one request per Execute call and records it exactly once
// in its own stats.QueryStats: a completed request (successful or not) is
// recorded with its latency, an invocation whose chooser had no eligible seed
// is recorded as a skip. Watchers are notified only after a successful
// request, so the existence model never believes in a key the server refused.
//
// # Variants
//
//   - Read: batch read of live keys.
//   - Write: insert, update, append and prepend.
//   - Delete: removes a live key.
//   - PercentageRangeRead: scan starting at a percentage of the key space.
//   - CalibratedRangeRead: scan sized from the live density reported by a
//     model.Tracker so that about ModelFactor live rows come back.
//
// # Basic Usage
//
//	ins, err := op.NewInsert(op.WriteConfig{
//	    Generator: gen,
//	    Chooser:   m.InsertChooser(),
//	    Watcher:   m,
//	    Protocol:  h,
//	    ValueSize: distr.Range{Min: 16, Max: 64},
//	})
//	latency, err := ins.Execute(ctx, r)
package op
