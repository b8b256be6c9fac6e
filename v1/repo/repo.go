package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	lockerrors "github.com/mirkobrombin/go-borglock/v1/errors"
)

// Resource is a lockable repository.
type Resource struct {
	Name string
	Path string
}

// Directory is the immutable set of resources discovered at startup.
type Directory struct {
	root      string
	resources []Resource
	byName    map[string]Resource
}

// Load reads every direct subdirectory of root as one Resource.
func Load(root string) (*Directory, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("repo: resolve %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("repo: stat %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo: %q is not a directory", abs)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("repo: read %q: %w", abs, err)
	}

	d := &Directory{root: abs, byName: make(map[string]Resource)}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r := Resource{Name: e.Name(), Path: filepath.Join(abs, e.Name())}
		d.resources = append(d.resources, r)
		d.byName[r.Name] = r
	}
	sort.Slice(d.resources, func(i, j int) bool {
		return d.resources[i].Name < d.resources[j].Name
	})
	return d, nil
}

// Root returns the absolute root path the directory was loaded from.
func (d *Directory) Root() string { return d.root }

// List returns the resources ordered by name.
func (d *Directory) List() []Resource {
	return append([]Resource(nil), d.resources...)
}

// Names returns the resource names ordered by name.
func (d *Directory) Names() []string {
	names := make([]string, len(d.resources))
	for i, r := range d.resources {
		names[i] = r.Name
	}
	return names
}

// Find looks a resource up by name.
func (d *Directory) Find(name string) (Resource, error) {
	r, ok := d.byName[name]
	if !ok {
		return Resource{}, fmt.Errorf("repo %q: %w", name, lockerrors.ErrNotFound)
	}
	return r, nil
}
