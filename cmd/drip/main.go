package main

import (
	"fmt"
	"os"
)

const usage = `drip runs messaging automation workflows.

Usage:
  drip [serve]        serve webhooks and the operator API (default)
  drip mcp            serve the MCP operator tools over stdio
  drip validate FILE  validate workflow definition files
  drip secret CMD     manage vault secrets (set, get, list, delete)
  drip install        write ~/.drip/settings.json and reload a running server
  drip reload         ask a running server to reload its catalog
  drip version        print the version
`

func main() {
	if len(os.Args) < 2 {
		runServe(nil)
		return
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		runServe(args)
	case "mcp":
		runMCP(args)
	case "validate":
		runValidate(args)
	case "secret":
		runSecret(args)
	case "install":
		runInstall(args)
	case "reload":
		if !signalRunningServer() {
			fmt.Fprintln(os.Stderr, "Error: no running drip server found")
			os.Exit(1)
		}
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
