package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/augenblickliebhaber/ocsp-proxy/internal/ocspxy"
)

// main wires flags, config and the Supervisor together, mirroring
// devforth-wait0's cmd/wait0/main.go: load config, construct the
// service, listen, serve until a signal, shut down gracefully.
func main() {
	var (
		configPath string
		host       string
		port       int
		storePath  string
		prefix     string
		verbose    bool
	)

	flag.StringVar(&configPath, "config", getenvDefault("OCSPXY_CONFIG", ""), "path to a YAML config file")
	flag.StringVar(&host, "host", "", "bind address (default 127.0.0.1, overrides config)")
	flag.IntVar(&port, "port", 0, "bind port (default 8888, overrides config)")
	flag.StringVar(&storePath, "store", "", "path to the LevelDB cache directory (overrides config)")
	flag.StringVar(&prefix, "prefix", "", "cache key prefix (overrides config)")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	cfg, err := ocspxy.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocspxy: %v\n", err)
		os.Exit(1)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if prefix != "" {
		cfg.Store.Prefix = prefix
	}
	if verbose {
		cfg.Logging.Verbose = true
	}

	svc, err := ocspxy.NewService(cfg, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocspxy: init service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	// The listen backlog is left at the platform default; spec.md §5
	// calls out a backlog of 5 from the original implementation as a
	// resource bound worth noting, not a requirement to reproduce
	// exactly, and net.Listen doesn't expose a portable way to set it
	// below the platform's own minimum anyway.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocspxy: listen %s: %v\n", addr, err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		svc.Logger().Info("ocspxy listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.Logger().Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
