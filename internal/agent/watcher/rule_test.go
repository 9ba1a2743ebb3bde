package watcher

import (
	"testing"
	"time"
)

func TestRule_Compile_RejectsInvalidRegex(t *testing.T) {
	r := &Rule{ID: "r1", Mode: ModeAbsolute, FilenameRegex: "("}
	if err := r.Compile(); err == nil {
		t.Fatal("expected an error for an invalid filename regex")
	}
}

func TestRule_Compile_PopulatesCompiledFields(t *testing.T) {
	r := &Rule{ID: "r1", Mode: ModePattern, Directory: "^store-\\d+$", FilenameRegex: `\.csv$`, ContentRegex: "ORDER"}
	if err := r.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if r.compiled.directoryRegex == nil || r.compiled.filenameRegex == nil || r.compiled.contentRegex == nil {
		t.Fatal("expected all three compiled regexes to be populated")
	}
}

func TestRule_Defaults(t *testing.T) {
	r := &Rule{}
	if got := r.cooldown(); got != 30*time.Second {
		t.Errorf("cooldown() = %v, want 30s", got)
	}
	if got := r.contentBudget(); got != 64<<10 {
		t.Errorf("contentBudget() = %v, want 65536", got)
	}

	r.Processing.CooldownWindow = 5 * time.Second
	r.ContentBytes = 1024
	if got := r.cooldown(); got != 5*time.Second {
		t.Errorf("cooldown() = %v, want 5s", got)
	}
	if got := r.contentBudget(); got != 1024 {
		t.Errorf("contentBudget() = %v, want 1024", got)
	}
}

func TestTimeWindow_Admits_ZeroValueAlwaysAdmits(t *testing.T) {
	var w TimeWindow
	if !w.Admits(time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("zero-value window should admit everything")
	}
}

func TestTimeWindow_Admits_PlainWindow(t *testing.T) {
	w := TimeWindow{StartHour: 9, EndHour: 17}
	admitted := w.Admits(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rejected := w.Admits(time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC))
	if !admitted {
		t.Error("expected noon to be admitted inside a 9-17 window")
	}
	if rejected {
		t.Error("expected 20:00 to be rejected outside a 9-17 window")
	}
}

func TestTimeWindow_Admits_WrapsPastMidnight(t *testing.T) {
	w := TimeWindow{StartHour: 22, EndHour: 2}
	if !w.Admits(time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)) {
		t.Error("expected 23:30 to be admitted in a 22-02 window")
	}
	if !w.Admits(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)) {
		t.Error("expected 01:00 to be admitted in a 22-02 window")
	}
	if w.Admits(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected noon to be rejected in a 22-02 window")
	}
}

func TestTimeWindow_Admits_DayOfWeekMask(t *testing.T) {
	// Thursday 2026-01-01; mask admits only Monday (bit 1).
	w := TimeWindow{DayOfWeekMask: 1 << 1}
	if w.Admits(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Error("expected Thursday to be rejected when only Monday is admitted")
	}
	if !w.Admits(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)) {
		t.Error("expected Monday to be admitted")
	}
}
