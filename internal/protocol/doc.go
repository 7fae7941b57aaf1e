// Package protocol provides the server protocol handles used by operations.
//
// A Handle sends single requests (read, insert, update, delete, append,
// prepend, range read) to one server. Three backends are available:
//
//   - Memory: an in-process store split into xxhash-routed shards, each
//     keeping its keys sorted for range reads. Useful for tests and for
//     measuring the client itself.
//   - Redis: string keys plus a sorted-set index for ZRANGEBYLEX range reads.
//   - Cassandra: a table with the key as clustering column.
//
// # Server Strings
//
//	memory[,shards]
//	redis,host:port[/db]
//	cassandra,host[:port][+host[:port]...]/keyspace[/table]
//
// Dial parses a server string and connects:
//
//	h, err := protocol.Dial(ctx, "redis,127.0.0.1:6379/0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
// # Thread Safety
//
// Every Handle is safe for concurrent use by multiple workers.
package protocol
