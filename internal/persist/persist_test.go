package persist

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	A int
	B string
}

func TestSaveJSONThenLoadJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	want := sample{A: 1, B: "hello"}

	if err := SaveJSON(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away")
	}

	var got sample
	if err := LoadJSON(path, &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadJSONMissingFileErrors(t *testing.T) {
	var got sample
	if err := LoadJSON(filepath.Join(t.TempDir(), "missing.json"), &got); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestKillSwitchPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "KILL_SWITCH")
	if KillSwitchPresent(path) {
		t.Fatal("expected no kill switch before it is written")
	}
	if err := WriteKillSwitch(path, "reconcile_failures"); err != nil {
		t.Fatalf("write kill switch: %v", err)
	}
	if !KillSwitchPresent(path) {
		t.Fatal("expected kill switch to be present after write")
	}
}

func TestKillSwitchEmptyPathNeverPresent(t *testing.T) {
	if KillSwitchPresent("") {
		t.Fatal("expected empty path to never report present")
	}
	if err := WriteKillSwitch("", "reason"); err != nil {
		t.Fatalf("expected no-op write for empty path, got %v", err)
	}
}

func TestStreamAppendWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	s := NewStream(dir, "fills")
	fixed := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Append(sample{A: 1, B: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(sample{A: 2, B: "y"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "fills", "2026-07-30.jsonl")
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stream file: %v", err)
	}
	lines := splitLines(string(bs))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(bs))
	}
}

func TestStreamRotatesOnDayChange(t *testing.T) {
	dir := t.TempDir()
	s := NewStream(dir, "fills")
	day1 := time.Date(2026, 7, 30, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 0, 1, 0, 0, time.UTC)

	s.now = func() time.Time { return day1 }
	if err := s.Append(sample{A: 1}); err != nil {
		t.Fatalf("append day1: %v", err)
	}
	s.now = func() time.Time { return day2 }
	if err := s.Append(sample{A: 2}); err != nil {
		t.Fatalf("append day2: %v", err)
	}
	s.Close()

	if _, err := os.Stat(filepath.Join(dir, "fills", "2026-07-30.jsonl")); err != nil {
		t.Fatalf("expected day1 file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fills", "2026-07-31.jsonl")); err != nil {
		t.Fatalf("expected day2 file: %v", err)
	}
}

func TestRunLifecycleCompressesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	streamName := "fills"
	streamDir := filepath.Join(dir, streamName)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -2)
	veryOld := now.AddDate(0, 0, -10)

	mustWriteFile(t, filepath.Join(streamDir, old.Format("2006-01-02")+".jsonl"), "{}\n")
	mustWriteFile(t, filepath.Join(streamDir, veryOld.Format("2006-01-02")+".jsonl.gz"), gzipBytes(t, "{}\n"))

	cfg := LifecycleConfig{RawKeepDays: 7, CompressedKeepDays: 7, RollupKeepDays: 90}
	if err := RunLifecycle(dir, cfg, now); err != nil {
		t.Fatalf("run lifecycle: %v", err)
	}

	if _, err := os.Stat(filepath.Join(streamDir, old.Format("2006-01-02")+".jsonl")); !os.IsNotExist(err) {
		t.Fatal("expected old raw file to be compressed away")
	}
	if _, err := os.Stat(filepath.Join(streamDir, old.Format("2006-01-02")+".jsonl.gz")); err != nil {
		t.Fatalf("expected compressed file to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(streamDir, veryOld.Format("2006-01-02")+".jsonl.gz")); !os.IsNotExist(err) {
		t.Fatal("expected very old compressed file to be pruned past CompressedKeepDays")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func gzipBytes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmp.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gw := gzip.NewWriter(f)
	if _, err := gw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	gw.Close()
	f.Close()
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(bs)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
