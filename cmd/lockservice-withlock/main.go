// Command lockservice-withlock runs a command while holding an exclusive
// lock on a repository path, the same contract as borg with-lock:
//
//	lockservice-withlock --lock-wait=N <path> <command> [args...]
//
// It lets the lock service run on hosts without borg, for development and
// tests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFile   = "lock.exclusive"
	retryDelay = 100 * time.Millisecond
)

func main() {
	wait := flag.Int("lock-wait", 1, "seconds to wait for the lock")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: lockservice-withlock --lock-wait=N <path> <command> [args...]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	os.Exit(run(logger, *wait, flag.Arg(0), flag.Args()[1:]))
}

func run(logger *slog.Logger, wait int, path string, argv []string) int {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		logger.Error("not a repository directory", "path", path, "error", err)
		return 2
	}

	fl := flock.New(filepath.Join(path, lockFile))
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(wait)*time.Second)
	locked, err := fl.TryLockContext(ctx, retryDelay)
	cancel()
	if err != nil || !locked {
		logger.Error("failed to acquire lock", "path", path, "wait", wait, "error", err)
		return 2
	}
	defer fl.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		logger.Error("failed to start command", "command", argv[0], "error", err)
		return 2
	}

	// Forward termination to the child so it can exit and free the lock.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for s := range sigs {
			_ = cmd.Process.Signal(s)
		}
	}()

	err = cmd.Wait()
	var exit *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.ExitCode()
	default:
		logger.Error("command failed", "command", argv[0], "error", err)
		return 1
	}
}
