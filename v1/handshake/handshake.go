package handshake

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

const (
	// PIDSize is the width of the pid payload in bytes.
	PIDSize = 8

	ack byte = 0x06

	dirPattern = "borg-lockservice-"
)

// Channel is a single-use unix socket listener awaiting one envoy report.
type Channel struct {
	dir  string
	path string
	ln   *net.UnixListener

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Open binds a new channel inside a private directory created below parent.
// An empty parent means os.TempDir.
func Open(parent string) (*Channel, error) {
	dir, err := os.MkdirTemp(parent, dirPattern)
	if err != nil {
		return nil, fmt.Errorf("handshake: create dir: %w", err)
	}
	path := filepath.Join(dir, "envoy-"+uuid.NewString()+".sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("handshake: listen %s: %w", path, err)
	}
	return &Channel{dir: dir, path: path, ln: ln}, nil
}

// Path returns the socket path the envoy must report to.
func (c *Channel) Path() string { return c.path }

func (c *Channel) stopListening() {
	c.stopOnce.Do(func() {
		_ = c.ln.Close()
	})
}

// Accept waits for exactly one envoy connection and returns the pid it
// reports. It returns errors.ErrTimeout when ctx expires first. The channel
// stops listening once Accept returns.
func (c *Channel) Accept(ctx context.Context) (int, error) {
	defer c.stopListening()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ln.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := c.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() == context.Canceled {
			return 0, ctx.Err()
		}
		var ne net.Error
		if ctx.Err() != nil || (stdErrors.As(err, &ne) && ne.Timeout()) {
			return 0, lockerrors.ErrTimeout
		}
		return 0, fmt.Errorf("handshake: accept: %w", err)
	}
	defer conn.Close()
	c.stopListening()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	pid, err := readPID(conn)
	if err != nil {
		return 0, err
	}
	if _, err := conn.Write([]byte{ack}); err != nil {
		return 0, fmt.Errorf("handshake: ack: %w", err)
	}
	return pid, nil
}

// Close stops listening and removes the socket path and its directory. It is
// safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.stopListening()
		c.closeErr = os.RemoveAll(c.dir)
	})
	return c.closeErr
}

func readPID(r io.Reader) (int, error) {
	var buf [PIDSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		var ne net.Error
		if stdErrors.As(err, &ne) && ne.Timeout() {
			return 0, lockerrors.ErrTimeout
		}
		return 0, fmt.Errorf("handshake: read pid: %w", err)
	}
	v := binary.BigEndian.Uint64(buf[:])
	if v == 0 || v > math.MaxInt32 {
		return 0, fmt.Errorf("handshake: %w: %d", lockerrors.ErrInvalidPID, v)
	}
	return int(v), nil
}

// Report sends pid to the channel at path and waits for the acknowledgement.
// A nil error means the coordinator recorded the report.
func Report(ctx context.Context, path string, pid int) error {
	if pid <= 0 {
		return lockerrors.ErrInvalidPID
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("handshake: dial %s: %w", path, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	var buf [PIDSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(pid))
	if _, err := conn.Write(buf[:]); err != nil {
		return fmt.Errorf("handshake: write pid: %w", err)
	}
	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("handshake: await ack: %w", err)
	}
	if reply[0] != ack {
		return fmt.Errorf("handshake: unexpected ack %#x", reply[0])
	}
	return nil
}
