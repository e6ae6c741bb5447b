package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/relayhub/internal/config"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	maxHeaderBytes  = 32 << 10
	shutdownTimeout = 5 * time.Second
)

// Run serves the API until ctx is cancelled or a listener fails. It also
// runs the janitor that trims limiter state and, when configured, evicts
// idle relays.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := s.buildTLS()
	if err != nil {
		return err
	}

	var h3 *http3.Server
	if s.cfg.ListenHTTP3 != "" {
		h3 = &http3.Server{
			Addr:      s.cfg.ListenHTTP3,
			TLSConfig: http3.ConfigureTLSConfig(tlsCfg.config),
		}
		s.altSvc = func(h http.Header) { _ = h3.SetQUICHeaders(h) }
	}
	handler := s.Handler()
	if h3 != nil {
		h3.Handler = handler
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		TLSConfig:         tlsCfg.config,
		ErrorLog:          log.New(newTLSErrorLogWriter(s.log, s.cfg.TLSMode == config.TLSACME), "", 0),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("starting registry server", "addr", s.cfg.Listen, "tls_mode", s.cfg.TLSMode)
		var err error
		if tlsCfg.config != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("registry server: %w", err)
		}
		return nil
	})

	if tlsCfg.challenge != nil {
		g.Go(func() error {
			s.log.Info("starting ACME challenge server", "addr", tlsCfg.challenge.Addr)
			if err := tlsCfg.challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("challenge server: %w", err)
			}
			return nil
		})
	}

	if h3 != nil {
		g.Go(func() error {
			s.log.Info("starting HTTP/3 server", "addr", h3.Addr)
			if err := h3.ListenAndServe(); err != nil && gctx.Err() == nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http3 server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.runJanitor(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.hub.closeAll()
		err := shutdownServer(srv, shutdownTimeout)
		if tlsCfg.challenge != nil {
			err = errors.Join(err, shutdownServer(tlsCfg.challenge, shutdownTimeout))
		}
		if h3 != nil {
			err = errors.Join(err, h3.Close())
		}
		return err
	})

	err = g.Wait()
	if !waitGroupWait(&s.hub.wg, shutdownTimeout) {
		s.log.Warn("heartbeat streams did not drain before shutdown")
	}
	return err
}

func (s *Server) runJanitor(ctx context.Context) {
	bucketTicker := time.NewTicker(idleBucketAge)
	defer bucketTicker.Stop()

	var evictC <-chan time.Time
	if s.cfg.EvictAfter > 0 {
		t := time.NewTicker(s.cfg.JanitorInterval)
		defer t.Stop()
		evictC = t.C
		s.log.Info("eviction janitor enabled", "evict_after", s.cfg.EvictAfter, "interval", s.cfg.JanitorInterval)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-bucketTicker.C:
			if n := s.selectLimiter.cleanup(); n > 0 {
				s.log.Debug("dropped idle rate limit buckets", "count", n)
			}
		case <-evictC:
			s.evictIdle(ctx)
		}
	}
}

func (s *Server) evictIdle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	n, err := s.registry.Evict(ctx, s.cfg.EvictAfter)
	if err != nil {
		s.log.Error("janitor eviction failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("janitor evicted idle relays", "count", n)
	}
}
