// Package seedkey maps integer seeds to key strings.
//
// A Generator is bound to a shard (id, count), a key prefix and a key size
// range. Seed s of shard i becomes global id s*count+i, so two shards never
// produce the same key. The key is the prefix, the global id encoded as 11
// ASCII-ordered base62 characters, and filler bytes up to a length drawn once
// per seed from the size range. Both the length and the filler are derived
// from an xxhash of the prefix and id, so the same seed always yields the
// same key.
//
// Keys sharing a prefix sort in global-id order. Range reads use Bound and
// PrefixEnd to address spans of the seed space.
//
//	g, err := seedkey.New(0, 1, "user:", distr.Range{Min: 16, Max: 24})
//	key := g.Key(42)
package seedkey
