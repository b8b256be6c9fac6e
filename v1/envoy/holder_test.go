package envoy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestArgs(t *testing.T) {
	p := NewProcessHolder(WithEnvoyBinary("/usr/bin/lockservice-envoy"))
	got := p.Args(Spec{
		Path:    "/srv/repos/alpha",
		Socket:  "/tmp/x/envoy.sock",
		Wait:    1500 * time.Millisecond,
		MaxHold: time.Hour,
	})
	want := []string{
		"borg", "with-lock", "--lock-wait=2", "/srv/repos/alpha",
		"/usr/bin/lockservice-envoy", "--socket=/tmp/x/envoy.sock", "--max-hold=1h0m0s",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args mismatch\n got %v\nwant %v", got, want)
	}
}

func TestArgsMinimumWait(t *testing.T) {
	p := NewProcessHolder(WithPrimitive("flock-wrapper"))
	got := p.Args(Spec{Path: "/r", Socket: "/s"})
	if got[0] != "flock-wrapper" || got[1] != "--lock-wait=1" {
		t.Fatalf("unexpected args %v", got)
	}
	for _, a := range got {
		if strings.HasPrefix(a, "--max-hold") {
			t.Fatalf("max-hold should be omitted when zero: %v", got)
		}
	}
}

func TestSpawnRunsPrimitive(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "argv")
	script := filepath.Join(dir, "primitive.sh")
	body := "#!/bin/sh\necho \"$@\" > " + out + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	p := NewProcessHolder(WithPrimitive(script), WithEnvoyBinary("envoy-bin"))
	spec := Spec{Resource: "alpha", Path: "/srv/alpha", Socket: "/tmp/s.sock", Wait: time.Second}
	if err := p.Spawn(context.Background(), spec); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(out)
		if err == nil && len(data) > 0 {
			want := "--lock-wait=1 /srv/alpha envoy-bin --socket=/tmp/s.sock\n"
			if string(data) != want {
				t.Fatalf("primitive got %q, want %q", data, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("primitive was not executed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnMissingPrimitive(t *testing.T) {
	p := NewProcessHolder(WithPrimitive(filepath.Join(t.TempDir(), "missing")))
	if err := p.Spawn(context.Background(), Spec{Path: "/r", Socket: "/s"}); err == nil {
		t.Fatal("expected error for missing primitive")
	}
}

func TestSignalAndIsAlive(t *testing.T) {
	p := NewProcessHolder()
	if !p.IsAlive(os.Getpid()) {
		t.Fatal("own process should be alive")
	}
	if p.IsAlive(0) || p.IsAlive(-1) {
		t.Fatal("non-positive pids are never alive")
	}

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	pid := cmd.Process.Pid
	if !p.IsAlive(pid) {
		t.Fatal("child should be alive")
	}
	if err := p.Signal(pid, syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	_ = cmd.Wait()
	if p.IsAlive(pid) {
		t.Fatal("reaped child should not be alive")
	}
	if err := p.Signal(pid, syscall.SIGTERM); err == nil {
		t.Fatal("expected error signalling an exited process")
	}
}
