package models

import (
	"testing"
	"time"
)

func TestNewScanWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)

	w := NewScanWindow(start, end, 300)

	if !w.Start.Equal(start) {
		t.Errorf("Expected start %v, got %v", start, w.Start)
	}

	if !w.End.Equal(end) {
		t.Errorf("Expected end %v, got %v", end, w.End)
	}

	if w.OverlapSeconds != 300 {
		t.Errorf("Expected overlap 300, got %d", w.OverlapSeconds)
	}
}

func TestNewScanWindow_NegativeOverlapClamped(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	w := NewScanWindow(start, start.Add(time.Hour), -60)

	if w.OverlapSeconds != 0 {
		t.Errorf("Expected negative overlap clamped to 0, got %d", w.OverlapSeconds)
	}

	if !w.EffectiveStart().Equal(start) {
		t.Errorf("Expected effective start to equal start, got %v", w.EffectiveStart())
	}
}

func TestScanWindow_EffectiveStart(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)

	tests := []struct {
		name     string
		overlap  int
		expected time.Time
	}{
		{"zero overlap", 0, start},
		{"five minute overlap", 300, start.Add(-5 * time.Minute)},
		{"max overlap", 600, start.Add(-10 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewScanWindow(start, end, tt.overlap)

			if !w.EffectiveStart().Equal(tt.expected) {
				t.Errorf("Expected effective start %v, got %v", tt.expected, w.EffectiveStart())
			}

			// Overlap never moves the end
			if !w.EffectiveEnd().Equal(end) {
				t.Errorf("Expected effective end %v, got %v", end, w.EffectiveEnd())
			}
		})
	}
}

func TestScanWindow_Covers(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1 * time.Hour)
	w := NewScanWindow(start, end, 300)

	tests := []struct {
		name     string
		at       time.Time
		expected bool
	}{
		{"before effective start", start.Add(-6 * time.Minute), false},
		{"at effective start", start.Add(-5 * time.Minute), true},
		{"inside overlap region", start.Add(-1 * time.Minute), true},
		{"at nominal start", start, true},
		{"mid window", start.Add(30 * time.Minute), true},
		{"at end (exclusive)", end, false},
		{"after end", end.Add(time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Covers(tt.at); got != tt.expected {
				t.Errorf("Covers(%v) = %v, expected %v", tt.at, got, tt.expected)
			}
		})
	}
}

func TestScanWindow_Durations(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	w := NewScanWindow(start, start.Add(1*time.Hour), 300)

	if w.Duration() != 1*time.Hour {
		t.Errorf("Expected nominal duration 1h, got %v", w.Duration())
	}

	if w.EffectiveDuration() != 65*time.Minute {
		t.Errorf("Expected effective duration 65m, got %v", w.EffectiveDuration())
	}
}

func TestScanWindow_Validate(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		window  ScanWindow
		wantErr bool
	}{
		{"valid", NewScanWindow(start, start.Add(time.Hour), 60), false},
		{"instant window", NewScanWindow(start, start, 0), false},
		{"missing start", ScanWindow{End: start}, true},
		{"missing end", ScanWindow{Start: start}, true},
		{"end before start", NewScanWindow(start, start.Add(-time.Minute), 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.window.Validate()

			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}

			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestScanWindow_IsZero(t *testing.T) {
	var zero ScanWindow
	if !zero.IsZero() {
		t.Error("Expected zero value window to report IsZero")
	}

	w := NewScanWindow(time.Now(), time.Now().Add(time.Hour), 60)
	if w.IsZero() {
		t.Error("Expected constructed window to not report IsZero")
	}
}

func TestNewGap(t *testing.T) {
	start := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	gap := NewGap("vpc_flow", start, end)

	if gap.LogType != "vpc_flow" {
		t.Errorf("Expected log type vpc_flow, got %s", gap.LogType)
	}

	if gap.Duration != 30*time.Minute {
		t.Errorf("Expected duration 30m, got %v", gap.Duration)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input    string
		expected Severity
	}{
		{"low", SeverityLow},
		{"medium", SeverityMedium},
		{"high", SeverityHigh},
		{"critical", SeverityCritical},
		{"CRITICAL", SeverityCritical},
		{"  High  ", SeverityHigh},
		{"", SeverityMedium},
		{"unknown-value", SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseSeverity(tt.input); got != tt.expected {
				t.Errorf("ParseSeverity(%q) = %s, expected %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSeverity_IsEscalated(t *testing.T) {
	tests := []struct {
		severity  Severity
		escalated bool
	}{
		{SeverityLow, false},
		{SeverityMedium, false},
		{SeverityHigh, true},
		{SeverityCritical, true},
	}

	for _, tt := range tests {
		if got := tt.severity.IsEscalated(); got != tt.escalated {
			t.Errorf("%s.IsEscalated() = %v, expected %v", tt.severity, got, tt.escalated)
		}
	}
}

func TestContinuityStatus(t *testing.T) {
	if ContinuityContinuous.IsContinuous() != true {
		t.Error("Expected continuous status to report IsContinuous")
	}

	if ContinuityUnknown.IsContinuous() {
		t.Error("Expected unknown status to not report IsContinuous")
	}

	if ContinuityDiscontinuous.IsContinuous() {
		t.Error("Expected discontinuous status to not report IsContinuous")
	}

	// Zero value renders as unknown
	var zero ContinuityStatus
	if zero.String() != "unknown" {
		t.Errorf("Expected zero value to render unknown, got %s", zero.String())
	}
}

func BenchmarkScanWindow_EffectiveStart(b *testing.B) {
	w := NewScanWindow(time.Now(), time.Now().Add(time.Hour), 300)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.EffectiveStart()
	}
}

func BenchmarkScanWindow_Covers(b *testing.B) {
	w := NewScanWindow(time.Now(), time.Now().Add(time.Hour), 300)
	at := time.Now().Add(30 * time.Minute)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = w.Covers(at)
		}
	})
}
