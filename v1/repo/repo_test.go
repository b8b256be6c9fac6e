package repo

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

func newRoot(t *testing.T, dirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range dirs {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return root
}

func TestLoadListsSubdirectoriesSorted(t *testing.T) {
	root := newRoot(t, "beta", "alpha")
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := d.Names(); !reflect.DeepEqual(got, []string{"alpha", "beta"}) {
		t.Fatalf("expected [alpha beta], got %v", got)
	}
	list := d.List()
	if len(list) != 2 || list[0].Path != filepath.Join(d.Root(), "alpha") {
		t.Fatalf("unexpected resources %+v", list)
	}
}

func TestLoadMissingRoot(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestLoadRootIsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(f); err == nil {
		t.Fatal("expected error for file root")
	}
}

func TestFind(t *testing.T) {
	d, err := Load(newRoot(t, "alpha"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r, err := d.Find("alpha")
	if err != nil || r.Name != "alpha" {
		t.Fatalf("find alpha: %+v err %v", r, err)
	}
	if _, err := d.Find("gamma"); !errors.Is(err, lockerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListIsACopy(t *testing.T) {
	d, err := Load(newRoot(t, "alpha"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	l := d.List()
	l[0].Name = "mutated"
	if d.Names()[0] != "alpha" {
		t.Fatal("directory mutated through List result")
	}
}
