package discovery

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/model"
	"proxyhunter/proxypool/storage"
)

// mockStore is an in-memory Backend for exercising the discovery passes
// without a database file.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*model.ProxyRecord
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*model.ProxyRecord)}
}

func (m *mockStore) put(p *model.ProxyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.Proxy] = p
}

func (m *mockStore) Select(_ context.Context, key string) (*model.ProxyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[key], nil
}

func (m *mockStore) Add(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		m.records[key] = &model.ProxyRecord{
			Proxy:   key,
			Status:  model.StatusUntested,
			Latency: model.LatencyUnmeasured,
		}
	}
	return nil
}

func (m *mockStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *mockStore) UpdateData(_ context.Context, key string, fields storage.Fields, bump bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[key]
	if !ok {
		return nil
	}
	if st, ok := fields["status"].(model.Status); ok {
		p.Status = st
		if bump && st != model.StatusUntested {
			p.LastCheck = time.Now().UTC()
		}
	}
	if lat, ok := fields["latency"].(int64); ok {
		p.Latency = lat
	}
	return nil
}

func (m *mockStore) UpdateStatus(ctx context.Context, key string, status model.Status) error {
	return m.UpdateData(ctx, key, storage.Fields{"status": status}, true)
}

func (m *mockStore) byStatus(match func(*model.ProxyRecord) bool) []*model.ProxyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ProxyRecord
	for _, p := range m.records {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proxy < out[j].Proxy })
	return out
}

func (m *mockStore) WorkingProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return m.byStatus(func(p *model.ProxyRecord) bool { return p.Status == model.StatusActive }), nil
}

func (m *mockStore) DeadProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return m.byStatus(func(p *model.ProxyRecord) bool {
		return p.Status == model.StatusDead || p.Status == model.StatusPortClosed
	}), nil
}

func (m *mockStore) UntestedProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return m.byStatus(func(p *model.ProxyRecord) bool { return p.Status == model.StatusUntested }), nil
}

func (m *mockStore) PrivateProxies(context.Context, int) ([]*model.ProxyRecord, error) {
	return m.byStatus(func(p *model.ProxyRecord) bool { return p.Private }), nil
}

func (m *mockStore) Counts(context.Context) (storage.Counts, error) {
	return storage.Counts{}, nil
}

func (m *mockStore) Checksum(context.Context, string, []string) (string, error) { return "", nil }
func (m *mockStore) Maintain(context.Context) error                            { return nil }
func (m *mockStore) Close() error                                              { return nil }

// listenLocal opens a loopback listener and returns it with its port.
func listenLocal(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open a loopback listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// closedLocalPort returns a loopback port that nothing is listening on.
func closedLocalPort(t *testing.T) int {
	t.Helper()
	ln, port := listenLocal(t)
	ln.Close()
	return port
}

func TestScanFile_AddsOpenPortsAndConsumesSource(t *testing.T) {
	_, openPort := listenLocal(t)
	closedPort := closedLocalPort(t)

	src := filepath.Join(t.TempDir(), "scan.txt")
	if err := os.WriteFile(src, []byte("127.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newMockStore()
	scanner := NewPortScanner(types.ScanConf{
		Ports:          []int{openPort, closedPort},
		TimeoutSeconds: 2,
		BudgetSeconds:  30,
		RatePerSecond:  100,
	}, store)

	var lastDone int
	found, err := scanner.ScanFile(context.Background(), src, func(done int) { lastDone = done })
	if err != nil {
		t.Fatalf("ScanFile returned an error: %v", err)
	}
	if found != 1 {
		t.Errorf("Expected 1 open port to be found, got %d", found)
	}
	if lastDone != 1 {
		t.Errorf("Expected progress callback to report 1 processed IP, got %d", lastDone)
	}

	key := "127.0.0.1:" + strconv.Itoa(openPort)
	rec, _ := store.Select(context.Background(), key)
	if rec == nil {
		t.Fatalf("Expected %s to be added as untested", key)
	}
	if rec.Status != model.StatusUntested {
		t.Errorf("Expected new candidate to be untested, got %q", rec.Status)
	}

	// Processed IPs are consumed from the source list.
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("Expected source file to be empty after the scan, got %q", data)
	}
}

func TestScanFile_BudgetExceededPersistsRemainder(t *testing.T) {
	src := filepath.Join(t.TempDir(), "scan.txt")
	if err := os.WriteFile(src, []byte("10.1.1.1\n10.1.1.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	scanner := NewPortScanner(types.ScanConf{
		Ports:          []int{closedLocalPort(t)},
		TimeoutSeconds: 1,
		BudgetSeconds:  0,
		RatePerSecond:  100,
	}, newMockStore())

	found, err := scanner.ScanFile(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("ScanFile returned an error: %v", err)
	}
	if found != 0 {
		t.Errorf("Expected no findings under a zero budget, got %d", found)
	}

	remaining, err := readLines(src)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Errorf("Expected both IPs to survive for the next run, got %v", remaining)
	}
}

func TestScanFile_MissingSourceIsNotAnError(t *testing.T) {
	scanner := NewPortScanner(types.ScanConf{RatePerSecond: 100}, newMockStore())
	found, err := scanner.ScanFile(context.Background(), filepath.Join(t.TempDir(), "absent.txt"), nil)
	if err != nil {
		t.Fatalf("Expected a missing source file to be a no-op, got %v", err)
	}
	if found != 0 {
		t.Errorf("Expected 0 findings, got %d", found)
	}
}

func TestRespawn(t *testing.T) {
	_, openPort := listenLocal(t)
	closedPort := closedLocalPort(t)

	store := newMockStore()
	eligible := "127.0.0.1:" + strconv.Itoa(openPort)
	store.put(&model.ProxyRecord{
		Proxy:     eligible,
		Status:    model.StatusDead,
		Latency:   1234,
		LastCheck: time.Now().Add(-48 * time.Hour),
	})
	store.put(&model.ProxyRecord{
		Proxy:     "127.0.0.1:" + strconv.Itoa(closedPort),
		Status:    model.StatusDead,
		LastCheck: time.Now().Add(-48 * time.Hour),
	})
	recent := "1.2.3.4:8080"
	store.put(&model.ProxyRecord{
		Proxy:     recent,
		Status:    model.StatusDead,
		LastCheck: time.Now().Add(-time.Hour),
	})

	n, err := Respawn(context.Background(), store, 24*time.Hour, time.Second)
	if err != nil {
		t.Fatalf("Respawn returned an error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected exactly 1 respawn, got %d", n)
	}

	rec, _ := store.Select(context.Background(), eligible)
	if rec.Status != model.StatusUntested {
		t.Errorf("Expected respawned record to be untested, got %q", rec.Status)
	}
	if rec.Latency != model.LatencyUnmeasured {
		t.Errorf("Expected respawned latency to be reset, got %d", rec.Latency)
	}

	cooled, _ := store.Select(context.Background(), recent)
	if cooled.Status != model.StatusDead {
		t.Errorf("Expected a record inside the cooldown window to stay dead, got %q", cooled.Status)
	}
}

func TestCleanup_RemovesInvalidRecords(t *testing.T) {
	store := newMockStore()
	store.put(&model.ProxyRecord{Proxy: "garbage-entry", Status: model.StatusUntested})
	store.put(&model.ProxyRecord{Proxy: "1.2.3.4:8080", Status: model.StatusUntested})

	removed, err := Cleanup(context.Background(), store, 7*24*time.Hour, time.Second, false)
	if err != nil {
		t.Fatalf("Cleanup returned an error: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 invalid record to be removed, got %d", removed)
	}
	if rec, _ := store.Select(context.Background(), "1.2.3.4:8080"); rec == nil {
		t.Error("Expected the valid record to survive")
	}
}

func TestCleanup_FreshDuplicatesSurviveHardDelete(t *testing.T) {
	_, portA := listenLocal(t)
	_, portB := listenLocal(t)

	// Two just-discovered candidates for the same IP, never checked.
	store := newMockStore()
	for _, port := range []int{portA, portB} {
		store.put(&model.ProxyRecord{
			Proxy:   "127.0.0.1:" + strconv.Itoa(port),
			Status:  model.StatusUntested,
			Latency: model.LatencyUnmeasured,
		})
	}

	removed, err := Cleanup(context.Background(), store, 7*24*time.Hour, time.Second, true)
	if err != nil {
		t.Fatalf("Cleanup returned an error: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Expected never-checked candidates to survive hard delete, removed %d", removed)
	}
	untested, _ := store.UntestedProxies(context.Background(), 0)
	if len(untested) != 2 {
		t.Errorf("Expected both fresh candidates to remain, got %d", len(untested))
	}
}

func TestCleanup_HardDeleteCollapsesStaleDuplicates(t *testing.T) {
	store := newMockStore()
	// Two stale dead records for the same IP on closed ports.
	a := "127.0.0.1:" + strconv.Itoa(closedLocalPort(t))
	b := "127.0.0.1:" + strconv.Itoa(closedLocalPort(t))
	for _, key := range []string{a, b} {
		store.put(&model.ProxyRecord{
			Proxy:     key,
			Status:    model.StatusDead,
			LastCheck: time.Now().Add(-30 * 24 * time.Hour),
		})
	}

	// Without hard delete the cluster is untouched.
	removed, err := Cleanup(context.Background(), store, 7*24*time.Hour, time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("Expected soft cleanup to leave duplicates alone, removed %d", removed)
	}

	removed, err = Cleanup(context.Background(), store, 7*24*time.Hour, time.Second, true)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("Expected the cluster to collapse to one representative, removed %d", removed)
	}
	dead, _ := store.DeadProxies(context.Background(), 0)
	if len(dead) != 1 {
		t.Errorf("Expected exactly one surviving record, got %d", len(dead))
	}
}
