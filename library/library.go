// Package library defines how named bundles of remote function source are
// resolved and fed to a client's UseLibrary call.
//
// A bundle is a namespace plus a set of named Lua chunks, optionally with a
// one-time initializer that runs in the namespace before any of its
// functions. Resolvers map a requested bundle name to a bundle; the package
// ships a filesystem-backed resolver and a set of built-in bundles embedded
// in the binary.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// ErrNotFound is returned when no bundle matches a requested name.
var ErrNotFound = errors.New("library: bundle not found")

// Bundle is one resolvable library: a namespace name, an optional
// initializer chunk, and a mapping of function name to source chunk.
type Bundle struct {
	Name  string
	Init  string
	Funcs map[string]string
}

// FuncNames returns the bundle's function names in stable order.
func (b *Bundle) FuncNames() []string {
	names := make([]string, 0, len(b.Funcs))
	for name := range b.Funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver maps a bundle name to a bundle.
type Resolver interface {
	Resolve(name string) (*Bundle, error)
}

// Select narrows a bundle to the requested function names, keeping the
// initializer. An empty request returns the bundle unchanged. A requested
// name absent from the bundle is an error.
func Select(b *Bundle, names ...string) (*Bundle, error) {
	if len(names) == 0 {
		return b, nil
	}
	funcs := make(map[string]string, len(names))
	for _, name := range names {
		src, ok := b.Funcs[name]
		if !ok {
			return nil, fmt.Errorf("library %q has no function %q", b.Name, name)
		}
		funcs[name] = src
	}
	return &Bundle{Name: b.Name, Init: b.Init, Funcs: funcs}, nil
}

// FSResolver resolves bundles from a filesystem. A bundle is a directory
// holding one `<function>.lua` file per function and an optional
// `init.lua`. A bundle name may be namespaced with dots, which map to
// nested directories, so both "fs" and "farcall.fs" conventions work.
type FSResolver struct {
	FS fs.FS
}

func (r *FSResolver) Resolve(name string) (*Bundle, error) {
	dir := path.Join(strings.Split(name, ".")...)
	if dir == "" || dir == "." {
		return nil, fmt.Errorf("%w: empty name", ErrNotFound)
	}

	entries, err := fs.ReadDir(r.FS, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	b := &Bundle{Name: name, Funcs: map[string]string{}}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		src, err := fs.ReadFile(r.FS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading bundle file %q: %w", e.Name(), err)
		}
		fnName := strings.TrimSuffix(e.Name(), ".lua")
		if fnName == "init" {
			b.Init = string(src)
			continue
		}
		b.Funcs[fnName] = string(src)
	}
	if len(b.Funcs) == 0 && b.Init == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return b, nil
}

// Multi tries each resolver in order, returning the first bundle found.
type Multi []Resolver

func (m Multi) Resolve(name string) (*Bundle, error) {
	for _, r := range m {
		b, err := r.Resolve(name)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
