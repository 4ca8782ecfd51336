package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	lockTimeout    = 500 * time.Millisecond
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// fileLock guards a database file against writers in other processes, such as
// `replica watch` running next to `replica put`. The OS drops the lock when
// the process exits.
type fileLock struct {
	path string
	f    *os.File
}

func newFileLock(dbPath string) *fileLock {
	return &fileLock{path: dbPath + ".lock"}
}

// acquire takes the exclusive lock, retrying with backoff until timeout.
func (l *fileLock) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.f = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.f.Close()
			l.f = nil
			return fmt.Errorf("write lock timeout after %v (holder %s)", timeout, holder)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *fileLock) release() {
	if l.f == nil {
		return
	}
	l.f.Truncate(0)
	l.unlock()
	l.f.Close()
	l.f = nil
}

func (l *fileLock) writeHolder() {
	l.f.Truncate(0)
	l.f.Seek(0, 0)
	fmt.Fprintf(l.f, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
}

func (l *fileLock) readHolder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	var pid, since string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if v, ok := strings.CutPrefix(line, "pid:"); ok {
			pid = v
		} else if v, ok := strings.CutPrefix(line, "time:"); ok {
			since = v
		}
	}
	if pid == "" {
		return "unknown"
	}
	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		return fmt.Sprintf("pid:%s since %s (stale)", pid, since)
	}
	return fmt.Sprintf("pid:%s since %s", pid, since)
}

// withLock runs fn under the file lock. A nil lock runs fn directly.
func (l *fileLock) withLock(fn func() error) error {
	if l == nil {
		return fn()
	}
	if err := l.acquire(lockTimeout); err != nil {
		return err
	}
	defer l.release()
	return fn()
}
