// Package model tracks which seeds denote keys that currently exist on the
// server, and provides seed choosers for each operation role.
//
// Two models are available:
//   - Consecutive: seeds are inserted in increasing order. Live seeds are
//     [0, hwm) minus a sparse set of holes left by deletes. The high-water
//     mark never decreases; inserting into a hole removes it.
//   - Fuzzy: a fixed universe of nkeys slots, each independently live or not.
//
// Choosers never mutate a model. Operations notify the model through the
// Watcher role after a request succeeds, and range reads query it through the
// Tracker role. Each model guards its state with a single RWMutex; separate
// models share nothing.
//
// # Example
//
//	m := model.NewConsecutive()
//	ins := m.InsertChooser()
//	s, _ := ins.Next(r)
//	// ... insert key for s ...
//	m.OnInsert(s)
//
// Choosers return ErrNoEligibleSeed instead of looping when no seed fits.
package model
