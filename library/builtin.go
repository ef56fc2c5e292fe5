package library

import (
	"embed"
	"io/fs"
	"os"
)

//go:embed bundles
var builtinFS embed.FS

// Builtin resolves the bundles that ship with farcall: "fs", "env" and
// "run". They are embedded in the binary, so they work with no files on
// disk.
func Builtin() Resolver {
	sub, err := fs.Sub(builtinFS, "bundles")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}
	return &FSResolver{FS: sub}
}

// Dir resolves bundles from a directory on disk, layered over the built-in
// bundles so local bundles win.
func Dir(root string) Resolver {
	return Multi{&FSResolver{FS: os.DirFS(root)}, Builtin()}
}
