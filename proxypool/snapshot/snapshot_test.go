package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

// stubStore serves a fixed working pool and fixed counters.
type stubStore struct {
	working []*model.ProxyRecord
	counts  storage.Counts
}

func (s *stubStore) WorkingProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return s.working, nil
}
func (s *stubStore) Counts(context.Context) (storage.Counts, error) { return s.counts, nil }

func (s *stubStore) Select(context.Context, string) (*model.ProxyRecord, error) { return nil, nil }
func (s *stubStore) Add(context.Context, string) error                          { return nil }
func (s *stubStore) Remove(context.Context, string) error                       { return nil }
func (s *stubStore) UpdateData(context.Context, string, storage.Fields, bool) error {
	return nil
}
func (s *stubStore) UpdateStatus(context.Context, string, model.Status) error { return nil }
func (s *stubStore) DeadProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return nil, nil
}
func (s *stubStore) UntestedProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return nil, nil
}
func (s *stubStore) PrivateProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return nil, nil
}
func (s *stubStore) Checksum(context.Context, string, []string) (string, error) { return "", nil }
func (s *stubStore) Maintain(context.Context) error                             { return nil }
func (s *stubStore) Close() error                                               { return nil }

func testPaths(t *testing.T) types.PathsConf {
	t.Helper()
	dir := t.TempDir()
	return types.PathsConf{
		Snapshot:   filepath.Join(dir, "working.txt"),
		StatusFile: filepath.Join(dir, "status.txt"),
		Counters:   filepath.Join(dir, "counters.json"),
	}
}

func TestFormatLine(t *testing.T) {
	checked := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	full := &model.ProxyRecord{
		Proxy:     "1.2.3.4:8080",
		Latency:   250,
		Types:     "http-socks5",
		Region:    "Bavaria",
		City:      "Munich",
		Country:   "Germany",
		Timezone:  "Europe/Berlin",
		LastCheck: checked,
	}
	want := "1.2.3.4:8080|250|HTTP-SOCKS5|Bavaria|Munich|Germany|Europe/Berlin|2026-08-30T12:00:00Z"
	if got := FormatLine(full); got != want {
		t.Errorf("FormatLine = %q, want %q", got, want)
	}

	bare := &model.ProxyRecord{Proxy: "5.6.7.8:3128", Latency: model.LatencyUnmeasured}
	want = "5.6.7.8:3128|-|-|-|-|-|-|-"
	if got := FormatLine(bare); got != want {
		t.Errorf("FormatLine = %q, want %q", got, want)
	}
}

func TestWriteWorking_ExcludesPrivate(t *testing.T) {
	store := &stubStore{working: []*model.ProxyRecord{
		{Proxy: "1.2.3.4:8080", Latency: 100, Types: "http"},
		{Proxy: "5.6.7.8:3128", Latency: 90, Types: "http", Private: true},
	}}
	paths := testPaths(t)
	w := NewWriter(paths, store)

	if err := w.WriteWorking(context.Background()); err != nil {
		t.Fatalf("WriteWorking returned an error: %v", err)
	}

	data, err := os.ReadFile(paths.Snapshot)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.Contains(body, "1.2.3.4:8080") {
		t.Error("Expected the public proxy in the snapshot")
	}
	if strings.Contains(body, "5.6.7.8:3128") {
		t.Error("Expected the private proxy to be excluded from the snapshot")
	}
	if lines := strings.Split(strings.TrimSpace(body), "\n"); len(lines) != 1 {
		t.Errorf("Expected a single snapshot row, got %d", len(lines))
	}
}

func TestWriteWorking_EmptyPoolTruncates(t *testing.T) {
	paths := testPaths(t)
	if err := os.WriteFile(paths.Snapshot, []byte("stale|content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWriter(paths, &stubStore{})
	if err := w.WriteWorking(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(paths.Snapshot)
	if len(data) != 0 {
		t.Errorf("Expected an empty pool to truncate the snapshot, got %q", data)
	}
}

func TestWriteStatus(t *testing.T) {
	paths := testPaths(t)
	w := NewWriter(paths, &stubStore{})

	w.WriteStatus("running")

	data, err := os.ReadFile(paths.StatusFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "running\n" {
		t.Errorf("Expected status file content 'running', got %q", data)
	}
}

func TestWriteCounters(t *testing.T) {
	paths := testPaths(t)
	w := NewWriter(paths, &stubStore{counts: storage.Counts{Working: 3, Dead: 5, Untested: 7, Private: 1}})

	if err := w.WriteCounters(context.Background()); err != nil {
		t.Fatalf("WriteCounters returned an error: %v", err)
	}

	data, err := os.ReadFile(paths.Counters)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"working":3,"dead":5,"untested":7,"private":1}`
	if string(data) != want {
		t.Errorf("Counters file = %q, want %q", data, want)
	}
}
