// Command owl is the camera AI analysis sidecar: it supervises per-camera
// decode pipelines, runs motion-gated object detection, and reports results
// to the supervising platform over HTTP callbacks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jayjayhust/owl/config"
	"github.com/jayjayhust/owl/control"
	"github.com/jayjayhust/owl/detection"
	"github.com/jayjayhust/owl/notify"
	"github.com/jayjayhust/owl/pkg/procwatch"
)

// modelSearchPaths are tried in order before falling back to the explicit
// model argument.
var modelSearchPaths = []string{
	"configs/owl.tflite",
	"configs/owl.onnx",
	"owl.tflite",
	"owl.onnx",
}

func main() {
	var (
		configPath     = flag.String("config", "", "path to YAML config file")
		port           = flag.Int("port", 0, "listen port")
		modelPath      = flag.String("model", "", "model file (.onnx or .tflite)")
		callbackURL    = flag.String("callback-url", "", "platform callback base URL")
		callbackSecret = flag.String("callback-secret", "", "callback Authorization value")
		logLevel       = flag.String("log-level", "", "debug, info, warn, or error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *modelPath != "" {
		cfg.Model = *modelPath
	}
	if *callbackURL != "" {
		cfg.Callback.URL = *callbackURL
	}
	if *callbackSecret != "" {
		cfg.Callback.Secret = *callbackSecret
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := newLogger(cfg.Log.Level)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	callback := notify.Target{BaseURL: cfg.Callback.URL, Secret: cfg.Callback.Secret}
	notifier := notify.New(log)
	detector := detection.New(log)
	svc := control.NewService(detector, notifier, callback, log)

	watcher := procwatch.New(log)
	watcher.Start()
	defer watcher.Stop()

	// Model load can take a while; serve the API immediately and answer
	// NOT_SERVING until the detector is warm.
	go func() {
		path, err := discoverModel(cfg.Model)
		if err != nil {
			log.Error("no usable model", "error", err)
			return
		}
		if err := detector.Load(path); err != nil {
			log.Error("model load failed", "path", path, "error", err)
			return
		}
		notifier.SendStarted(callback)
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: svc.Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()
	log.Info("analysis service listening", "port", cfg.Port)

	keepaliveStop := make(chan struct{})
	go keepaliveLoop(notifier, svc, callback, time.Duration(cfg.KeepaliveSeconds)*time.Second, keepaliveStop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	close(keepaliveStop)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	svc.StopAll()
	notifier.Close()
	if err := detector.Close(); err != nil {
		log.Warn("detector close", "error", err)
	}
	log.Info("shutdown complete")
}

func keepaliveLoop(notifier *notify.Notifier, svc *control.Service, callback notify.Target, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			notifier.SendKeepalive(callback, svc.Stats())
		}
	}
}

// discoverModel checks the conventional locations first, then the explicit
// path from configuration.
func discoverModel(explicit string) (string, error) {
	for _, candidate := range modelSearchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("model file: %w", err)
		}
		return explicit, nil
	}
	return "", errors.New("no model file found, pass -model or place owl.tflite/owl.onnx in configs/")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
