package coord

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"proxyhunter/internal/shared/logger"
)

// Advisory file locks shared by independently launched check runs. The
// existence of the path signals "held"; the content (timestamp + owner id) is
// diagnostic only. All acquisition is flock-based and cooperative, so only
// participating processes are excluded.

var (
	locksMu   sync.Mutex
	heldLocks = map[string]*os.File{}

	// ownerID tags lock files so an operator can tell which run owns what.
	ownerID = uuid.NewString()
)

// Acquire takes an exclusive advisory lock on path, creating parent
// directories and the file as needed. In non-blocking mode it returns false
// immediately if another process holds the lock. Every failure mode returns
// false so callers treat "cannot lock" uniformly.
func Acquire(path string, blocking bool) bool {
	locksMu.Lock()
	defer locksMu.Unlock()

	// A lock we already hold counts as contention: flock conflicts between
	// separate descriptors even within one process, and callers use false
	// as the skip signal.
	if _, ok := heldLocks[path]; ok {
		return false
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Cannot create lock directory.")
		return false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Cannot open lock file.")
		return false
	}

	how := unix.LOCK_EX
	if !blocking {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return false
	}

	// Diagnostic content only; never parsed.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(time.Now().UTC().Format(time.RFC3339)+" "+ownerID+"\n"), 0)

	heldLocks[path] = f
	return true
}

// HeldByOther probes whether another process currently holds the lock,
// without committing to ownership. A lock we hold ourselves does not count.
func HeldByOther(path string) bool {
	locksMu.Lock()
	if _, ok := heldLocks[path]; ok {
		locksMu.Unlock()
		return false
	}
	locksMu.Unlock()

	// The probe must not plant a lock file: path existence is the held
	// signal, so a missing file simply means "not held".
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return true
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// Release drops a lock acquired by this process and removes the lock file.
// Safe to call multiple times and for paths never acquired.
func Release(path string) {
	locksMu.Lock()
	defer locksMu.Unlock()

	f, ok := heldLocks[path]
	if !ok {
		return
	}
	delete(heldLocks, path)

	// Unlink while the flock is still held; dropping the lock first would
	// open a window where a fresh acquisition on the same path gets its
	// brand-new lock file removed from under it.
	_ = os.Remove(path)
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

// ReleaseAll drops every lock held by this process. Registered as an exit
// task so an interrupted batch never leaves locks behind.
func ReleaseAll() {
	locksMu.Lock()
	paths := make([]string, 0, len(heldLocks))
	for p := range heldLocks {
		paths = append(paths, p)
	}
	locksMu.Unlock()

	for _, p := range paths {
		Release(p)
	}
}
