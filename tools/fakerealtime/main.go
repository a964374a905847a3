// Package main implements fakerealtime, a deterministic realtime-protocol
// WebSocket responder for exercising clients without the service.
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Thejuampi/realtime-client-go/internal/config"
	"github.com/Thejuampi/realtime-client-go/internal/fakeserver"
	"github.com/Thejuampi/realtime-client-go/internal/observability"
)

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }
func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

var (
	flagAddr     = flag.String("addr", "127.0.0.1:19100", "listen address")
	flagLogLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
	flagLogJSON  = flag.Bool("log-json", false, "log as JSON")

	flagKeys   listFlag
	flagSilent listFlag
)

func serverOptions(keys []string, silent []string, logger *zap.Logger) fakeserver.Options {
	options := fakeserver.Options{Logger: logger}
	for _, key := range keys {
		for _, part := range strings.Split(key, ",") {
			if part = strings.TrimSpace(part); part != "" {
				options.Keys = append(options.Keys, part)
			}
		}
	}
	for _, channel := range silent {
		if channel = strings.TrimSpace(channel); channel != "" {
			options.SilentChannels = append(options.SilentChannels, channel)
		}
	}
	return options
}

func logConfig(level string, json bool) config.LogConfig {
	format := "console"
	if json {
		format = "json"
	}
	return config.LogConfig{Level: level, Format: format, Outputs: []string{"stderr"}}
}

func serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	flag.Var(&flagKeys, "key", "accepted API key (repeatable or comma separated); none accepts any key")
	flag.Var(&flagSilent, "silent", "channel whose attach and detach are never acknowledged (repeatable)")
	flag.Parse()

	logger, err := observability.SetupLogger(logConfig(*flagLogLevel, *flagLogJSON))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakerealtime: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	server := fakeserver.New(serverOptions(flagKeys, flagSilent, logger))

	listener, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		logger.Fatal("listen failed", zap.String("addr", *flagAddr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("fakerealtime listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("keys", len(flagKeys)),
		zap.Strings("silent", flagSilent))

	if err := serve(ctx, listener, server); err != nil {
		logger.Error("serve failed", zap.Error(err))
	}
	server.Close()
	logger.Info("fakerealtime stopped")
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fakerealtime: deterministic realtime-protocol WebSocket responder\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}
