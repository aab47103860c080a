package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/autoheal/internal/history/opensearch"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "h.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/autoheal", false},
		{"OpenSearch without host", "opensearch:///idx", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestOpenSearchDSNBuildsHTTPSink(t *testing.T) {
	sink, err := NewSinkFromDSN("elasticsearch://search:9200/events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sink.(*opensearch.Sink); !ok {
		t.Fatalf("expected *opensearch.Sink, got %T", sink)
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	opts, err := parseClickHouseDSN("clickhouse://ops:secret@ch:9000/metrics?table=events")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "ch:9000" || opts.Database != "metrics" || opts.Table != "events" {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.Username != "ops" || opts.Password != "secret" {
		t.Errorf("credentials not parsed: %+v", opts)
	}

	opts, err = parseClickHouseDSN("clickhouse://")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "localhost:9000" {
		t.Errorf("expected default address, got %q", opts.Addr)
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn       string
		wantBase  string
		wantIndex string
	}{
		{"opensearch://localhost:9200/patches", "http://localhost:9200", "patches"},
		{"opensearch://localhost:9200", "http://localhost:9200", "autoheal-history"},
		{"opensearch://search.internal:443/logs?secure=true", "https://search.internal:443", "logs"},
	}
	for _, tt := range tests {
		base, index, err := parseOpenSearchDSN(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if base != tt.wantBase || index != tt.wantIndex {
			t.Errorf("%s: got (%s, %s)", tt.dsn, base, index)
		}
	}
}

func TestNewSinksClosesOnError(t *testing.T) {
	_, err := NewSinks([]string{"sqlite://:memory:", "invalid://x"})
	if err == nil {
		t.Fatal("expected error")
	}
	sinks, err := NewSinks([]string{"sqlite://:memory:"})
	if err != nil || len(sinks) != 1 {
		t.Fatalf("NewSinks = %v, %v", sinks, err)
	}
}
