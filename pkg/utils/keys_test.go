package utils

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeQueryText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already normalized", "select * from events", "select * from events"},
		{"uppercase", "SELECT * FROM events", "select * from events"},
		{"leading and trailing space", "  select * from events  ", "select * from events"},
		{"interior runs", "select  *   from\tevents", "select * from events"},
		{"newlines", "select *\nfrom events\nwhere x = 1", "select * from events where x = 1"},
		{"empty", "", ""},
		{"only whitespace", "   \n\t  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeQueryText(tt.input); got != tt.want {
				t.Errorf("NormalizeQueryText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeQueryText_Idempotent(t *testing.T) {
	input := "  SELECT *\n  FROM events  WHERE  severity = 'high'  "

	once := NormalizeQueryText(input)
	twice := NormalizeQueryText(once)

	if once != twice {
		t.Errorf("Normalization not idempotent: %q != %q", once, twice)
	}
}

func TestCanonicalTime(t *testing.T) {
	utc := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// The same instant expressed in another zone canonicalizes identically
	est := time.FixedZone("EST", -5*3600)
	inEST := utc.In(est)

	if CanonicalTime(utc) != CanonicalTime(inEST) {
		t.Errorf("Expected equal canonical times, got %q and %q", CanonicalTime(utc), CanonicalTime(inEST))
	}

	if CanonicalTime(utc) != "2025-06-01T10:00:00Z" {
		t.Errorf("Expected RFC 3339 UTC form, got %q", CanonicalTime(utc))
	}
}

func TestQueryCacheKey_Deterministic(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)

	key1 := QueryCacheKey("SELECT * FROM events", start, end, "aws_guardduty")
	key2 := QueryCacheKey("SELECT * FROM events", start, end, "aws_guardduty")

	if key1 != key2 {
		t.Errorf("Expected identical keys for identical inputs, got %q and %q", key1, key2)
	}

	if len(key1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(key1))
	}
}

func TestQueryCacheKey_FormattingConverges(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)

	// Differently formatted versions of the same logical query
	key1 := QueryCacheKey("SELECT * FROM t", start, end, "")
	key2 := QueryCacheKey("  select * from t  ", start, end, "")
	key3 := QueryCacheKey("select  *\nfrom t", start, end, "")

	if key1 != key2 || key2 != key3 {
		t.Error("Expected formatting variants of the same query to share one key")
	}

	// The same instant in a different zone converges too
	est := time.FixedZone("EST", -5*3600)
	key4 := QueryCacheKey("select * from t", start.In(est), end.In(est), "")
	if key1 != key4 {
		t.Error("Expected zone variants of the same window to share one key")
	}
}

func TestQueryCacheKey_DistinctInputsDiverge(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)

	base := QueryCacheKey("select * from t", start, end, "aws_guardduty")

	tests := []struct {
		name string
		key  string
	}{
		{"different query", QueryCacheKey("select id from t", start, end, "aws_guardduty")},
		{"different start", QueryCacheKey("select * from t", start.Add(time.Second), end, "aws_guardduty")},
		{"different end", QueryCacheKey("select * from t", start, end.Add(time.Second), "aws_guardduty")},
		{"different rule type", QueryCacheKey("select * from t", start, end, "gcp_audit")},
		{"empty rule type", QueryCacheKey("select * from t", start, end, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key == base {
				t.Error("Expected a distinct key")
			}
		})
	}
}

func TestShortKey(t *testing.T) {
	key := strings.Repeat("ab", 32) // 64 chars

	tests := []struct {
		name string
		n    int
		want int
	}{
		{"default length", 0, DefaultShortKeyLen},
		{"explicit length", 8, 8},
		{"negative uses default", -5, DefaultShortKeyLen},
		{"longer than key", 100, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShortKey(key, tt.n)
			if len(got) != tt.want {
				t.Errorf("ShortKey length = %d, want %d", len(got), tt.want)
			}
			if !strings.HasPrefix(key, got) {
				t.Error("Expected short key to be a prefix of the full key")
			}
		})
	}
}

func BenchmarkQueryCacheKey(b *testing.B) {
	start := time.Now().Add(-1 * time.Hour)
	end := time.Now()
	query := "SELECT * FROM events WHERE severity = 'high' AND account_id = '123456789012'"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = QueryCacheKey(query, start, end, "aws_guardduty")
	}
}

func BenchmarkNormalizeQueryText(b *testing.B) {
	query := "  SELECT *\n  FROM events\n  WHERE severity = 'high'  "

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = NormalizeQueryText(query)
		}
	})
}
