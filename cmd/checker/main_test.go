package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"proxyhunter/internal/coord"
	"proxyhunter/internal/shared/types"
	"proxyhunter/proxypool/snapshot"
)

func testWriter(t *testing.T) (*snapshot.Writer, types.PathsConf) {
	t.Helper()
	dir := t.TempDir()
	paths := types.PathsConf{
		StatusFile: filepath.Join(dir, "status.txt"),
		Snapshot:   filepath.Join(dir, "working.txt"),
		Counters:   filepath.Join(dir, "counts.json"),
	}
	return snapshot.NewWriter(paths, nil), paths
}

func TestAcquireRun_LosingRunLeavesStatusAlone(t *testing.T) {
	writer, paths := testWriter(t)
	lock := filepath.Join(t.TempDir(), "checker.lock")
	ctx := context.Background()

	winner := coord.NewScheduler()
	if !acquireRun(ctx, writer, lock, false, winner.Register) {
		t.Fatal("Expected the first run to take the job lock")
	}
	defer coord.Release(lock)

	// A second run loses the race, returns, and drains its exit tasks.
	loser := coord.NewScheduler()
	loser.Register("10-release-locks", func() {})
	if acquireRun(ctx, writer, lock, false, loser.Register) {
		t.Fatal("Expected the second run to lose the lock race")
	}
	loser.RunAll()

	data, err := os.ReadFile(paths.StatusFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "running\n" {
		t.Errorf("Expected the losing run to leave the status file at 'running', got %q", data)
	}
}

func TestAcquireRun_AdminBypassesContention(t *testing.T) {
	writer, paths := testWriter(t)
	lock := filepath.Join(t.TempDir(), "checker.lock")

	if !coord.Acquire(lock, false) {
		t.Fatal("Failed to pre-acquire the job lock")
	}
	defer coord.Release(lock)

	sched := coord.NewScheduler()
	if !acquireRun(context.Background(), writer, lock, true, sched.Register) {
		t.Fatal("Expected a privileged run to proceed despite the held lock")
	}

	data, err := os.ReadFile(paths.StatusFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "running\n" {
		t.Errorf("Expected the privileged run to publish 'running', got %q", data)
	}
}
