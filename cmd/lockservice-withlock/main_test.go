package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunPassesExitCode(t *testing.T) {
	dir := t.TempDir()
	if code := run(quietLogger(), 1, dir, []string{"true"}); code != 0 {
		t.Fatalf("expected 0, got %d", code)
	}
	if code := run(quietLogger(), 1, dir, []string{"sh", "-c", "exit 3"}); code != 3 {
		t.Fatalf("expected 3, got %d", code)
	}
}

func TestRunReleasesLockAfterCommand(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "probe")
	if code := run(quietLogger(), 1, dir, []string{"touch", marker}); code != 0 {
		t.Fatalf("command failed with %d", code)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("command did not run: %v", err)
	}
	fl := flock.New(filepath.Join(dir, lockFile))
	ok, err := fl.TryLock()
	if err != nil || !ok {
		t.Fatalf("lock not released after command: %v", err)
	}
	_ = fl.Unlock()
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	fl := flock.New(filepath.Join(dir, lockFile))
	if ok, err := fl.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v", err)
	}
	defer fl.Unlock()

	marker := filepath.Join(dir, "ran")
	if code := run(quietLogger(), 1, dir, []string{"touch", marker}); code != 2 {
		t.Fatalf("expected 2 while locked, got %d", code)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("command ran without the lock")
	}
}

func TestRunRejectsMissingDirectory(t *testing.T) {
	if code := run(quietLogger(), 1, filepath.Join(t.TempDir(), "nope"), []string{"true"}); code != 2 {
		t.Fatalf("expected 2, got %d", code)
	}
}
