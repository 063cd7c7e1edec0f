package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"

	"github.com/real-rm/agentchat"
	"github.com/real-rm/agentchat/internal/constants"
)

// loadConfiguration loads the configuration and returns the config accessor
func loadConfiguration() (*goconfig.ConfigAccessor, error) {
	if err := goconfig.LoadConfig(); err != nil {
		return nil, err
	}

	cfg, err := goconfig.Default()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// initializeLogger initializes the logger with the given configuration
func initializeLogger(cfg *goconfig.ConfigAccessor) (*golog.Logger, error) {
	logDir, _ := cfg.ConfigStringWithDefault("log.dir", constants.DefaultLogDir)
	logLevel, _ := cfg.ConfigStringWithDefault("log.level", constants.DefaultLogLevel)
	standardOutput, _ := cfg.ConfigBoolWithDefault("log.standardOutput", true)

	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            logDir,
		Level:          logLevel,
		StandardOutput: standardOutput,
		InfoFile:       "info.log",
		WarnFile:       "warn.log",
		ErrorFile:      "error.log",
	})
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// getServerPort retrieves the server port from configuration
func getServerPort(cfg *goconfig.ConfigAccessor) int {
	port, _ := cfg.ConfigIntWithDefault("server.port", constants.DefaultPort)
	return port
}

// setupSignalHandler sets up signal handling for graceful shutdown
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

// runWithSignalChannel is a testable version of run that accepts a signal channel
func runWithSignalChannel(sigChan chan os.Signal) error {
	// Load configuration
	cfg, err := loadConfiguration()
	if err != nil {
		return err
	}

	// Initialize logger
	logger, err := initializeLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	// MongoDB is optional for the chat layer; without it transcripts are not
	// persisted but routing and presence still work.
	var mongo *gomongo.Mongo
	mongoURI, _ := cfg.ConfigStringWithDefault("database.uri", "")
	// No else needed: optional operation (persistence only when configured)
	if mongoURI != "" {
		mongo, err = gomongo.InitMongoDB(logger, cfg)
		// No else needed: error handling (degrade instead of refusing to start)
		if err != nil {
			logger.Warn("MongoDB initialization failed, continuing without persistence", "error", err)
			mongo = nil
		}
	}

	// Build the HTTP router and register the service
	ginMode, _ := cfg.ConfigStringWithDefault("server.gin_mode", gin.ReleaseMode)
	gin.SetMode(ginMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if err := agentchat.Register(engine, cfg, logger, mongo); err != nil {
		return fmt.Errorf("failed to register agentchat service: %w", err)
	}

	port := getServerPort(cfg)
	server := NewHTTPServer(fmt.Sprintf(":%d", port), engine)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", port)
		// No else needed: error handling (closed server is a normal shutdown)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for a shutdown signal or a server failure
	select {
	case err := <-serverErr:
		return err
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	// No else needed: error handling (logged, shutdown continues)
	if err := agentchat.Shutdown(ctx); err != nil {
		logger.Warn("Service shutdown error", "error", err)
	}

	// No else needed: early return pattern (guard clause)
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	return nil
}

func main() {
	if err := runMain(); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runMain is the testable main function
func runMain() error {
	sigChan := setupSignalHandler()
	return runWithSignalChannel(sigChan)
}
