package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/drip/internal/xjson"
)

// runInstall writes settings.json from flags (keeping channels already
// configured there) and reloads a running server, or starts one.
func runInstall(args []string) {
	def := defaultConfig()
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", def.ListenAddr, "TCP listen address")
	storeKind := fs.String("store", def.Store, "run store: memory, libsql, badger or redis")
	dbPath := fs.String("db-path", def.DBPath, "libsql database URI")
	badgerDir := fs.String("badger-dir", def.BadgerDir, "badger data directory")
	redisAddr := fs.String("redis-addr", def.RedisAddr, "redis:// URL")
	catalogDir := fs.String("catalog-dir", "", "directory of workflow JSON files (default: built-in flows)")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", def.PoolSize, "concurrent resumes")
	sweep := fs.Duration("sweep-interval", time.Duration(def.SweepInterval), "how often due runs are swept")
	metricsFlag := fs.Bool("metrics", false, "serve /metrics")
	noServe := fs.Bool("no-serve", false, "only write settings")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := dripDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fatal("cannot create %s: %v", dir, err)
	}

	cfg := def
	if data, err := os.ReadFile(settingsPath()); err == nil {
		var existing Config
		if err := xjson.Unmarshal(data, &existing); err == nil {
			cfg.Channels = existing.Channels
		}
	}
	cfg.ListenAddr = *listenAddr
	cfg.Store = *storeKind
	cfg.DBPath = *dbPath
	cfg.BadgerDir = *badgerDir
	cfg.RedisAddr = *redisAddr
	cfg.CatalogDir = *catalogDir
	cfg.LogLevel = *logLevel
	cfg.PoolSize = *poolSize
	cfg.SweepInterval = Duration(*sweep)
	cfg.Metrics = *metricsFlag

	data, _ := xjson.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fatal("cannot write %s: %v", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	// Signal running server to reload, or start a new one.
	if signalRunningServer() || *noServe {
		return
	}
	runServe(nil)
}

// signalRunningServer sends SIGHUP to a running drip server (via pidfile).
// Returns true if the server was signaled (caller should NOT start a new one).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
