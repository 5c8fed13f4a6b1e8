package gpio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSim_RecordsLevels(t *testing.T) {
	sim := NewSim(nil)

	power, err := sim.Output(4, 0)
	if err != nil {
		t.Fatalf("Output(4) error = %v", err)
	}
	flight, err := sim.Output(5, 1)
	if err != nil {
		t.Fatalf("Output(5) error = %v", err)
	}
	if err := power.SetValue(1); err != nil {
		t.Fatalf("SetValue(1) error = %v", err)
	}
	if err := flight.SetValue(0); err != nil {
		t.Fatalf("SetValue(0) error = %v", err)
	}

	if v, ok := sim.Level(4); !ok || v != 1 {
		t.Errorf("Level(4) = %d, %v, want 1, true", v, ok)
	}
	if v, ok := sim.Level(5); !ok || v != 0 {
		t.Errorf("Level(5) = %d, %v, want 0, true", v, ok)
	}
	if _, ok := sim.Level(6); ok {
		t.Error("Level(6) reported a line that was never requested")
	}

	want := []Change{{Offset: 4, Value: 0}, {Offset: 5, Value: 1}, {Offset: 4, Value: 1}, {Offset: 5, Value: 0}}
	got := sim.History()
	if len(got) != len(want) {
		t.Fatalf("History() has %d changes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Offset != want[i].Offset || got[i].Value != want[i].Value {
			t.Errorf("History()[%d] = %d/%d, want %d/%d", i, got[i].Offset, got[i].Value, want[i].Offset, want[i].Value)
		}
		if i > 0 && got[i].At.Before(got[i-1].At) {
			t.Errorf("History()[%d] is older than its predecessor", i)
		}
	}
}

func TestSim_ClosedLine(t *testing.T) {
	sim := NewSim(nil)
	l, _ := sim.Output(1, 0)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.SetValue(1); !errors.Is(err, ErrLineClosed) {
		t.Errorf("SetValue() after Close error = %v, want %v", err, ErrLineClosed)
	}
	if v, _ := sim.Level(1); v != 0 {
		t.Errorf("Level(1) = %d after a rejected write, want 0", v)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestSysfs_ExportedLine(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "gpio7"), 0o755); err != nil {
		t.Fatal(err)
	}
	drv := Sysfs{Root: root}

	l, err := drv.Output(7, 1)
	if err != nil {
		t.Fatalf("Output(7) error = %v", err)
	}
	if got := readFile(t, filepath.Join(root, "gpio7", "direction")); got != "high" {
		t.Errorf("direction = %q, want %q", got, "high")
	}
	if _, err := os.Stat(filepath.Join(root, "export")); !os.IsNotExist(err) {
		t.Error("an already exported line was exported again")
	}

	if err := l.SetValue(0); err != nil {
		t.Fatalf("SetValue(0) error = %v", err)
	}
	if got := readFile(t, filepath.Join(root, "gpio7", "value")); got != "0" {
		t.Errorf("value = %q, want %q", got, "0")
	}
	if err := l.SetValue(5); err != nil {
		t.Fatalf("SetValue(5) error = %v", err)
	}
	if got := readFile(t, filepath.Join(root, "gpio7", "value")); got != "1" {
		t.Errorf("value = %q, want %q", got, "1")
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := readFile(t, filepath.Join(root, "unexport")); got != "7" {
		t.Errorf("unexport = %q, want %q", got, "7")
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := l.SetValue(1); !errors.Is(err, ErrLineClosed) {
		t.Errorf("SetValue() after Close error = %v, want %v", err, ErrLineClosed)
	}
}

func TestSysfs_Export(t *testing.T) {
	root := t.TempDir()
	drv := Sysfs{Root: root}

	// without a kernel behind the root the line directory never appears
	if _, err := drv.Output(9, 0); err == nil {
		t.Fatal("Output(9) succeeded without a line directory")
	}
	if got := readFile(t, filepath.Join(root, "export")); got != "9" {
		t.Errorf("export = %q, want %q", got, "9")
	}
}

func TestChip_MissingChip(t *testing.T) {
	if _, err := NewChip("gpiochip-missing").Output(0, 0); err == nil {
		t.Error("Output() on a missing chip succeeded")
	}
}
