// gen-diagrams renders every built-in flow for the README.
// Run: go run ./cmd/gen-diagrams [out-dir]
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/drip/internal/catalog"
	"github.com/rendis/drip/internal/diagram"
)

func main() {
	outDir := filepath.Join("docs", "flows")
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	snapshot, err := catalog.Builtin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load built-in flows: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	for _, g := range snapshot.Graphs() {
		model := diagram.Build(g, nil)
		base := filepath.Join(outDir, g.ID())

		mermaid := diagram.RenderMermaid(model)
		write(base+".md", []byte("# "+model.Title+"\n\n```mermaid\n"+mermaid+"```\n"))
		write(base+".txt", []byte(diagram.RenderASCII(model)))

		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s: image render failed: %v\n", g.ID(), err)
			continue
		}
		write(base+".png", png)
		fmt.Printf("%s: %s.{md,txt,png}\n", g.ID(), base)
	}
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
