package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iamgaru/gosling/internal/config"
	"github.com/iamgaru/gosling/internal/logging"
	"github.com/iamgaru/gosling/internal/proxy"
)

const statsInterval = 60 * time.Second

func main() {
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [config-file]\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration; with no argument the defaults apply
	loader := config.NewLoader()
	cfg := loader.Default()
	configFile := ""
	if len(os.Args) == 2 {
		configFile = os.Args[1]
		loaded, err := loader.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := logging.InitGlobalLogger(logging.Config{
		LogFile:     cfg.Logging.LogFile,
		Level:       cfg.Logging.Level,
		EnableDebug: cfg.Logging.EnableDebug,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.CloseGlobalLogger()
	logger := logging.GetGlobalLogger()

	server, err := proxy.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Failed to create proxy server: %v", err)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		logger.Error("Failed to start proxy server: %v", err)
		os.Exit(1)
	}

	if configFile != "" {
		watcher, err := startConfigWatcher(configFile, loader, cfg, logger)
		if err != nil {
			logger.Warn("Config hot reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go reportStatistics(server, done)

	logger.Info("Gosling proxy server started successfully")
	logger.Info("Configuration: Proxy=%s, Level=%s, CA=%q, UpstreamCA=%q",
		cfg.Proxy.ListenAddr, cfg.Logging.EffectiveLevel(), cfg.TLS.CAName, cfg.TLS.UpstreamCAFile)

	<-sigCh
	logger.Info("Received shutdown signal, stopping server...")
	close(done)

	if err := server.Stop(); err != nil {
		logger.Warn("Error during server shutdown: %v", err)
	}
	server.LogStats()

	logger.Info("Gosling proxy server stopped")
}

// startConfigWatcher applies logging changes live; everything else is
// reported as needing a restart
func startConfigWatcher(configFile string, loader *config.Loader, cfg *config.Config, logger *logging.Logger) (*config.ConfigWatcher, error) {
	watcher, err := config.NewConfigWatcher(configFile, loader)
	if err != nil {
		return nil, err
	}

	watcher.AddCallback(func(oldConfig, newConfig *config.Config) error {
		if err := logger.SetLevel(newConfig.Logging.Level); err != nil {
			return err
		}
		logger.SetDebug(newConfig.Logging.EnableDebug)
		logger.Info("Log level set to %s", logger.Level())

		if oldConfig.Proxy != newConfig.Proxy || oldConfig.TLS != newConfig.TLS ||
			oldConfig.Logging.LogFile != newConfig.Logging.LogFile {
			logger.Warn("Proxy, TLS and log file settings take effect after restart")
		}
		return nil
	})

	if err := watcher.Start(cfg); err != nil {
		watcher.Stop()
		return nil, err
	}
	return watcher, nil
}

// reportStatistics periodically reports server statistics
func reportStatistics(server *proxy.Server, done <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			server.LogStats()
		case <-done:
			return
		}
	}
}
