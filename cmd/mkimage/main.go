// Command mkimage writes the ELF images of the built-in apps to disk and
// checks that each one loads.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"stride/strideos/loader"
	"stride/strideos/mm"
	"stride/strideos/user/apps"
)

func main() {
	var (
		outDir = flag.String("out", "", "Output directory for <app>.elf files.")
		only   = flag.String("app", "", "Write only this app.")
		list   = flag.Bool("list", false, "List the built-in apps and exit.")
	)
	flag.Parse()

	catalog := apps.Catalog(apps.DefaultConfig())

	if *list {
		for _, a := range catalog {
			fmt.Printf("%-10s entry=%#x\n", a.Name, a.Entry)
		}
		return
	}
	if *outDir == "" {
		fatalf("usage: mkimage -out dir [-app name]\n       mkimage -list")
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fatalf("mkdir: %v", err)
	}

	written := 0
	for _, a := range catalog {
		if *only != "" && a.Name != *only {
			continue
		}
		path := filepath.Join(*outDir, a.Name+".elf")
		if err := writeImage(path, a); err != nil {
			fatalf("%s: %v", a.Name, err)
		}
		fmt.Printf("%s\n", path)
		written++
	}
	if written == 0 {
		fatalf("unknown app: %s", *only)
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

// writeImage builds the image of a, loads it once into scratch memory and
// writes it to path.
func writeImage(path string, a apps.App) error {
	image := apps.Image(a)

	frames := mm.NewFrameAllocator(64)
	img, err := loader.Load(image, frames)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if img.Entry != a.Entry {
		img.Space.Release()
		return fmt.Errorf("verify: entry %#x, want %#x", img.Entry, a.Entry)
	}
	img.Space.Release()

	return os.WriteFile(path, image, 0o644)
}
