package store

import (
	"path/filepath"
	"testing"
	"time"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	retry := 10 * time.Millisecond
	maxRetry := int(timeout / retry)
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &FileLockConfig{
		LockTimeout:  timeout,
		LockRetry:    retry,
		LockMaxRetry: maxRetry,
	}
}

func TestNewFileLock(t *testing.T) {
	tmpDir := t.TempDir()

	lock, err := NewFileLock("velo_test", tmpDir, nil)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if !lock.IsLocked() {
		t.Error("Expected lock to be held")
	}

	if err := lock.Unlock(); err != nil {
		t.Errorf("Unlock: %v", err)
	}

	if lock.IsLocked() {
		t.Error("Expected lock to be released after Unlock()")
	}

	// Releasing twice is a clean no-op.
	if err := lock.Unlock(); err != nil {
		t.Errorf("second Unlock: %v", err)
	}
}

func TestFileLockSecondInstanceBlocked(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := shortLockConfig(200 * time.Millisecond)

	lock1, err := NewFileLock("velo_test", tmpDir, cfg)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Unlock()

	if _, err := NewFileLock("velo_test", tmpDir, cfg); err == nil {
		t.Fatal("Expected second lock on the same group dir to fail")
	}
}

func TestFileLockReacquireAfterUnlock(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := shortLockConfig(200 * time.Millisecond)

	lock1, err := NewFileLock("velo_test", tmpDir, cfg)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lock1.Unlock()

	lock2, err := NewFileLock("velo_test", tmpDir, cfg)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Unlock()
}

func TestGetGroupPaths(t *testing.T) {
	root := t.TempDir()

	processed, err := GetProcessedSetPath("velo_test", root)
	if err != nil {
		t.Fatalf("processed path: %v", err)
	}
	tracker, err := GetTrackerPath("velo_test", root)
	if err != nil {
		t.Fatalf("tracker path: %v", err)
	}

	if processed == tracker {
		t.Error("processed-set and tracker must be separate files")
	}

	dir, err := GetGroupDir("velo_test", root)
	if err != nil {
		t.Fatalf("group dir: %v", err)
	}
	lockPath := GetLockPath(dir)
	if lockPath == processed || lockPath == tracker {
		t.Error("lock file must be separate from the store files")
	}
	if filepath.Dir(lockPath) != dir {
		t.Errorf("lock path %s not inside group dir %s", lockPath, dir)
	}
}
