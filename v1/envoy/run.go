package envoy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mirkobrombin/go-borglock/v1/handshake"
)

// ReportTimeout bounds how long the envoy waits for the coordinator to
// acknowledge its pid.
var ReportTimeout = 10 * time.Second

// Run is the body of the envoy process. It reports the current pid to the
// handshake channel at socket and then blocks until ctx is done or maxHold
// elapses. A failed report is returned immediately so the caller can exit
// and give the lock back.
func Run(ctx context.Context, socket string, maxHold time.Duration) error {
	rctx, cancel := context.WithTimeout(ctx, ReportTimeout)
	err := handshake.Report(rctx, socket, os.Getpid())
	cancel()
	if err != nil {
		return fmt.Errorf("envoy: %w", err)
	}

	var expired <-chan time.Time
	if maxHold > 0 {
		t := time.NewTimer(maxHold)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-ctx.Done():
	case <-expired:
	}
	return nil
}
