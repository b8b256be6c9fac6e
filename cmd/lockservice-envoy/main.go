// Command lockservice-envoy holds a repository lock on behalf of the lock
// service. It runs under the locking primitive, reports its pid over the
// handshake socket and then waits until it is signalled or its max hold
// elapses. Exiting releases the lock.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirkobrombin/go-borglock/v1/envoy"
)

func main() {
	socket := flag.String("socket", "", "handshake socket to report the pid to")
	maxHold := flag.Duration("max-hold", 0, "release the lock after this long; 0 waits for a signal")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *socket == "" {
		logger.Error("missing --socket")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := envoy.Run(ctx, *socket, *maxHold); err != nil {
		logger.Error("envoy failed", "socket", *socket, "error", err)
		os.Exit(1)
	}
}
