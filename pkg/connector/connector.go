// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/wamonitor/pkg/cloneapi"
)

const (
	apiReadTimeout  = 10 * time.Second
	apiWriteTimeout = 5 * time.Minute
	apiIdleTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// WhatsAppConnector wires the monitor together: one WhatsApp session, the
// capture pipeline, outbound delivery, the backend forwarder and the HTTP
// surface.
type WhatsAppConnector struct {
	Config *Config
	log    zerolog.Logger
	// ctx is the context inbound events are processed under.
	ctx context.Context

	Client     *WhatsAppClient
	QR         *QRCache
	Messages   *MessageLog
	Registry   *Registry
	Normalizer *Normalizer
	Sender     *Sender
	Forwarder  *Forwarder
}

// New opens the credential store and builds a connector for cfg.
func New(ctx context.Context, cfg *Config, log zerolog.Logger) (*WhatsAppConnector, error) {
	opener, err := newSQLSessionOpener(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	backend := cloneapi.New(cfg.Backend.URL, nil, cloneapi.Timeouts{
		Clone: cfg.Backend.CloneTimeout,
		Batch: cfg.Backend.BatchTimeout,
		Stats: cfg.Backend.StatsTimeout,
		Queue: cfg.Backend.QueueTimeout,
	})
	wc := newConnector(cfg, opener, backend, log)
	if cfg.WhatsApp.PrintQR {
		wc.Client.printQR = printQRToTerminal
	}
	return wc, nil
}

func newConnector(cfg *Config, opener sessionOpener, backend cloneBackend, log zerolog.Logger) *WhatsAppConnector {
	wc := &WhatsAppConnector{
		Config:   cfg,
		log:      log,
		ctx:      context.Background(),
		QR:       NewQRCache(DefaultQRTTL),
		Messages: NewMessageLog(cfg.Monitor.LogCapacity, cfg.Monitor.DefaultLimit),
		Registry: OpenRegistry(cfg.Monitor.GroupsFile, log),
		Sender:   NewSender(cfg.Delivery, log),
	}
	wc.Forwarder = NewForwarder(backend, wc.Messages, cfg.Backend.QueueSize, cfg.Backend.AutoClone, log)
	wc.Normalizer = NewNormalizer(wc.Registry, wc.Messages, wc.Forwarder.Enqueue, log)
	wc.Client = NewWhatsAppClient(opener, cfg.Reconnect, wc.QR, log, wc.handleSessionEvent)
	return wc
}

// Run starts the session, the forward worker and the HTTP server and
// blocks until ctx is done or the server fails.
func (wc *WhatsAppConnector) Run(ctx context.Context) error {
	wc.ctx = ctx
	server := &http.Server{
		Addr:         wc.Config.API.ListenAddr,
		Handler:      wc.Router(),
		ReadTimeout:  apiReadTimeout,
		WriteTimeout: apiWriteTimeout,
		IdleTimeout:  apiIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wc.Forwarder.Run(gctx)
	})
	g.Go(func() error {
		wc.Client.Start(gctx)
		<-gctx.Done()
		wc.Client.Stop()
		return nil
	})
	g.Go(func() error {
		wc.log.Info().
			Str("addr", server.Addr).
			Int("monitored_groups", wc.Registry.Len()).
			Bool("auto_clone", wc.Config.Backend.AutoClone).
			Msg("Starting HTTP API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
