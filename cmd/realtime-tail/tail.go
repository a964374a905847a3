package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Thejuampi/realtime-client-go/internal/config"
	"github.com/Thejuampi/realtime-client-go/realtime"
)

const closeTimeout = 5 * time.Second

func clientOptions(cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer) realtime.ClientOptions {
	return realtime.ClientOptions{
		Key:                    cfg.Key,
		ClientID:               cfg.ClientID,
		RealtimeHost:           cfg.Host,
		Port:                   cfg.Port,
		NoTLS:                  cfg.NoTLS,
		RealtimeRequestTimeout: cfg.RequestTimeout,
		Logger:                 logger,
		Registerer:             registerer,
	}
}

func eventFilter(name string) realtime.EventFilter {
	if name == "" {
		return realtime.AllEvents
	}
	return realtime.Event(name)
}

// run tails cfg.Channels until ctx is done.
func run(ctx context.Context, cfg *config.Config, out *printer, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	client, err := realtime.NewRealtime(clientOptions(cfg, logger, registry))
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = server.Close() }()
	}

	client.Connection().OnAny(realtime.NewListener(out.connectionState))

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
		client.Connection().Flush()
		for _, name := range client.Channels().Names() {
			client.Channel(name).Flush()
		}
	}()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	filter := eventFilter(cfg.Event)
	for _, name := range cfg.Channels {
		channel := client.Channel(name)
		channel.OnAny(realtime.NewListener(func(change realtime.ChannelStateChange) {
			out.channelState(channel.Name(), change)
		}))
		if err := channel.Subscribe(ctx, filter, realtime.NewListener(out.message(name))); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}
