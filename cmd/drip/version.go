package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// version is stamped by the release build:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/drip/
var version = "dev"

// versionString reports the release plus the VCS revision embedded by the Go
// toolchain, when there is one.
func versionString() string {
	rev := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				rev = s.Value[:7]
			}
		}
	}
	if rev == "" {
		return fmt.Sprintf("drip %s (%s)", version, runtime.Version())
	}
	return fmt.Sprintf("drip %s (%s, %s)", version, rev, runtime.Version())
}

func printVersion() {
	fmt.Println(versionString())
}
