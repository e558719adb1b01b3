package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/won21kr/ApertusVR/config"
	"github.com/won21kr/ApertusVR/shared/logging"
)

func main() {
	port := flag.Int("port", 8080, "HTTP listen port")
	ttl := flag.Duration("ttl", 90*time.Second, "Session TTL before expiry")
	level := flag.String("log-level", "info", "Log level")
	logFile := flag.String("log-file", "", "Rotating log file")
	flag.Parse()

	logger, closer, err := logging.New(config.LogConfig{Level: *level, File: *logFile, MaxSizeMB: 20, MaxBackups: 3})
	if err != nil {
		fmt.Fprintln(os.Stderr, "master:", err)
		os.Exit(1)
	}
	defer closer.Close()

	reg := NewRegistry(*ttl, logger)
	reg.Start(30 * time.Second)
	defer reg.Stop()

	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("master starting", "component", "master", "addr", addr, "ttl", *ttl)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("master fatal", "component", "master", "error", err)
		os.Exit(1)
	}
}
