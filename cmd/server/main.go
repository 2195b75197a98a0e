package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aeolun/parley/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.parley/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	backend := flag.String("backend", "", "Storage backend: file or sqlite (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address, e.g. localhost:6060")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Parley Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolvedConfigPath := *configPath
	if strings.HasPrefix(resolvedConfigPath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve config path: %v", err)
		}
		resolvedConfigPath = filepath.Join(homeDir, resolvedConfigPath[2:])
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dataDir != "" {
		config.Server.DataDir = *dataDir
	}
	if *backend != "" {
		config.Server.StorageBackend = *backend
	}

	serverConfig := config.ToServerConfig()

	srv, err := server.NewServer(serverConfig, resolvedConfigPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)
	log.Printf("Storage: %s backend in %s", serverConfig.StorageBackend, serverConfig.DataDir)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Parley server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Framed JSON (TCP): port %d", serverConfig.TCPPort)
	if serverConfig.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
