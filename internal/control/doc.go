// Package control owns every object of a load run behind opaque handles.
//
// A Registry hands out uuid handles for protocols, key generators, existence
// models, choosers, operations and clients. Objects that reference others
// keep them alive: a model cannot be destroyed while a chooser or operation
// still uses it, and an operation cannot be destroyed while a client has it
// registered. Destroying a client stops it first.
//
// Statistics of an operation are read under an explicit lock so that a poll
// and a reset form one consistent unit:
//
//	reg.LockOp(h)
//	p, _ := reg.PollOp(h, 100)
//	reg.ResetOp(h)
//	reg.UnlockOp(h)
//
// Collect performs the same sequence in one call.
package control
