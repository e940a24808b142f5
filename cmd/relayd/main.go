package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] [server_port block_duration timeout]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Positional arguments override the config file:\n")
	fmt.Fprintf(os.Stderr, "  server_port     TCP port to listen on\n")
	fmt.Fprintf(os.Stderr, "  block_duration  lockout length in seconds\n")
	fmt.Fprintf(os.Stderr, "  timeout         idle timeout in seconds\n\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "~/.relaychat/relaychat.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	flag.Usage = usage
	flag.Parse()

	if err := server.InitLoggers(); err != nil {
		log.Fatalf("Failed to initialize loggers: %v", err)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := applyPositional(&tomlConfig, flag.Args()); err != nil {
		usage()
		log.Fatalf("Invalid arguments: %v", err)
	}
	if err := tomlConfig.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	config := tomlConfig.ToServerConfig()

	creds, err := config.LoadCredentials()
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	log.Printf("Loaded %d accounts from %s", len(creds), config.CredentialsPath)

	srv, err := server.NewServer(config, creds)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("relaychat listening on %s (block %v, timeout %v)",
		srv.Addr(), config.BlockDuration, config.IdleTimeout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Printf("Received %v, shutting down", sig)
	start := time.Now()
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Printf("Server stopped in %v", time.Since(start).Round(time.Millisecond))
}

// applyPositional handles the classic "server_port block_duration timeout"
// invocation. Any prefix of the three may be given.
func applyPositional(cfg *server.TOMLConfig, args []string) error {
	if len(args) > 3 {
		return fmt.Errorf("expected at most 3 arguments, got %d", len(args))
	}
	targets := []*int{
		&cfg.Server.TCPPort,
		&cfg.Limits.BlockDurationSeconds,
		&cfg.Limits.IdleTimeoutSeconds,
	}
	names := []string{"server_port", "block_duration", "timeout"}
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", names[i], arg)
		}
		*targets[i] = n
	}
	return nil
}
