// Package main prints summary statistics for reconstructed mesh files.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/pthm-cable/splash/surface"
)

func main() {
	pattern := flag.String("glob", "", "Glob of mesh files to inspect, in addition to arguments")
	flag.Parse()

	paths := flag.Args()
	if *pattern != "" {
		matches, err := filepath.Glob(*pattern)
		if err != nil {
			log.Fatalf("bad glob: %v", err)
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		log.Fatal("usage: meshstat [-glob pattern] file...")
	}
	sort.Strings(paths)

	failed := false
	fmt.Printf("%-24s %9s %9s %6s  %s\n", "file", "vertices", "triangles", "open", "bounds")
	for _, path := range paths {
		if err := report(path); err != nil {
			log.Printf("%s: %v", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func report(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := surface.ReadMesh(f)
	if err != nil {
		return err
	}

	bounds := "-"
	if lo, hi, ok := m.Bounds(); ok {
		bounds = fmt.Sprintf("(%.3f %.3f %.3f)..(%.3f %.3f %.3f)", lo.X, lo.Y, lo.Z, hi.X, hi.Y, hi.Z)
	}
	fmt.Printf("%-24s %9d %9d %6d  %s\n",
		filepath.Base(path), len(m.Vertices), len(m.Triangles), m.OpenEdges(), bounds)
	return nil
}
