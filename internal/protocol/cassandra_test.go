package protocol

import (
	"slices"
	"strings"
	"testing"
)

func TestCassandraStatements(t *testing.T) {
	s := newStatements("bench", "kv")

	if got := s.createTable(); !strings.Contains(got, "bench.kv") || !strings.Contains(got, "PRIMARY KEY (bucket, key)") {
		t.Errorf("unexpected create table statement: %s", got)
	}
	if got := s.update(); !strings.HasSuffix(got, "IF EXISTS") {
		t.Errorf("update must be conditional: %s", got)
	}

	tests := []struct {
		low, high string
		limit     int
		wantStmt  string
		wantArgs  []any
	}{
		{"a", "b", 10, "SELECT key FROM bench.kv WHERE bucket = 0 AND key >= ? AND key < ? LIMIT ?", []any{"a", "b", 10}},
		{"a", "", 0, "SELECT key FROM bench.kv WHERE bucket = 0 AND key >= ?", []any{"a"}},
		{"", "m", 0, "SELECT key FROM bench.kv WHERE bucket = 0 AND key >= ? AND key < ?", []any{"", "m"}},
	}
	for _, tt := range tests {
		stmt, args := s.rangeQuery(tt.low, tt.high, tt.limit)
		if stmt != tt.wantStmt {
			t.Errorf("rangeQuery(%q, %q, %d) stmt = %q, want %q", tt.low, tt.high, tt.limit, stmt, tt.wantStmt)
		}
		if !slices.Equal(args, tt.wantArgs) {
			t.Errorf("rangeQuery(%q, %q, %d) args = %v, want %v", tt.low, tt.high, tt.limit, args, tt.wantArgs)
		}
	}
}

func TestNewCassandraValidation(t *testing.T) {
	tests := []CassandraOptions{
		{Keyspace: "ks"},
		{Hosts: []string{"127.0.0.1:9042"}, Keyspace: "bad-name"},
		{Hosts: []string{"127.0.0.1:9042"}, Keyspace: "ks", Table: "drop table"},
		{Hosts: []string{"127.0.0.1:9042"}, Keyspace: "ks", Consistency: "sometimes"},
	}
	for _, opts := range tests {
		if _, err := NewCassandra(opts); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}
