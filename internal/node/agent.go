// Package node runs the relay side of the registry protocol: register once,
// then heartbeat until a client is assigned.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/koltyakov/relayhub/internal/client"
	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/hubproto"
)

const (
	retryInitialDelay  = 2 * time.Second
	retryMaxDelay      = time.Minute
	defaultReadTimeout = 15 * time.Second
)

// API is the part of the registry client the agent drives.
type API interface {
	Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error)
	Heartbeat(ctx context.Context) (domain.HeartbeatResponse, error)
	DialHeartbeat(ctx context.Context) (*hubproto.Conn, error)
}

// Agent keeps one relay registered and alive.
type Agent struct {
	cfg config.NodeConfig
	api API
	log *slog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration
}

// New returns an agent for cfg.
func New(cfg config.NodeConfig, api API, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		cfg:          cfg,
		api:          api,
		log:          logger,
		initialDelay: retryInitialDelay,
		maxDelay:     retryMaxDelay,
	}
}

// Run registers the relay and heartbeats until a client assignment arrives,
// returning the assigned client public key. Transient failures are retried
// with backoff. If the record was evicted, the relay registers again.
func (a *Agent) Run(ctx context.Context) (string, error) {
	var delay time.Duration
	for {
		clientKey, err := a.session(ctx)
		if err == nil {
			return clientKey, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, domain.ErrNotFound) {
			a.log.Warn("registration lost; registering again", "name", a.cfg.Name)
			delay = 0
			continue
		}
		if !client.IsRetriable(err) {
			return "", err
		}
		delay = a.nextBackoff(delay)
		a.log.Warn("registry unreachable; retrying", "err", client.ShortenError(err), "retry_in", delay.String())
		if !sleepCtx(ctx, delay) {
			return "", ctx.Err()
		}
	}
}

func (a *Agent) session(ctx context.Context) (string, error) {
	if err := a.register(ctx); err != nil {
		return "", err
	}
	if a.cfg.Transport == config.TransportWS {
		return a.heartbeatWS(ctx)
	}
	return a.heartbeatHTTP(ctx)
}

func (a *Agent) register(ctx context.Context) error {
	res, err := a.api.Register(ctx, domain.RegisterRequest{
		Name:      a.cfg.Name,
		PublicKey: a.cfg.PublicKey,
		Address:   a.cfg.Address,
	})
	if errors.Is(err, domain.ErrAlreadyRegistered) {
		// Registration is immutable; the existing record keeps its
		// original name and address.
		a.log.Info("resuming existing registration", "name", a.cfg.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.log.Info("relay registered", "identity", res.Identity, "name", a.cfg.Name, "address", a.cfg.Address)
	return nil
}

func (a *Agent) heartbeatHTTP(ctx context.Context) (string, error) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		res, err := a.api.Heartbeat(ctx)
		switch {
		case err == nil && res.Assigned():
			a.log.Info("client assigned", "name", a.cfg.Name)
			return res.ClientPublicKey, nil
		case err == nil:
			a.log.Debug("heartbeat recorded")
		case errors.Is(err, domain.ErrNotFound), !client.IsRetriable(err):
			return "", fmt.Errorf("heartbeat: %w", err)
		default:
			a.log.Warn("heartbeat failed", "err", client.ShortenError(err))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) heartbeatWS(ctx context.Context) (string, error) {
	conn, err := a.api.DialHeartbeat(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	readTimeout := a.cfg.Timeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		seq++
		if err := conn.Write(hubproto.Heartbeat(seq)); err != nil {
			return "", fmt.Errorf("send heartbeat: %w", err)
		}
		msg, err := conn.Read(readTimeout)
		if hubproto.IsNormalClose(err) {
			return "", fmt.Errorf("heartbeat channel closed by server: %w", err)
		}
		if err != nil {
			return "", fmt.Errorf("read heartbeat result: %w", err)
		}
		if msg.Seq != seq {
			a.log.Debug("out of order heartbeat frame", "want", seq, "got", msg.Seq)
		}
		switch msg.Kind {
		case hubproto.KindHeartbeatResult:
			if msg.Result.Assigned() {
				a.log.Info("client assigned", "name", a.cfg.Name)
				return msg.Result.ClientPublicKey, nil
			}
			a.log.Debug("heartbeat recorded")
		case hubproto.KindError:
			apiErr := &client.APIError{Code: msg.ErrorCode, Message: msg.Error}
			if msg.ErrorCode == domain.CodeNotFound || msg.ErrorCode == domain.CodeUnauthorized {
				return "", fmt.Errorf("heartbeat: %w", apiErr)
			}
			a.log.Warn("heartbeat failed", "err", apiErr)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// nextBackoff doubles current within [initialDelay, maxDelay] and applies
// ±25% jitter.
func (a *Agent) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = a.initialDelay
	}
	next := min(current*2, a.maxDelay)
	jitter := 1.0 + (rand.Float64()-0.5)*0.5
	return time.Duration(float64(next) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
