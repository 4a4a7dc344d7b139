package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Agent manages the lifecycle of the tunnel connection to the relay,
// including egress-proxy reachability checks and reconnection.
type Agent struct {
	cfg    *Config
	dialer *ProxyDialer
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		if cfg.Proxy.VerifyReachable && cfg.RelayHealthURL == "" {
			return nil, fmt.Errorf("relay_health_url is required when proxy.verify_reachable is enabled")
		}
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Agent{cfg: cfg, dialer: dialer}, nil
}

// Run verifies proxy reachability, if configured, then enters the
// reconnect loop. It blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.dialer != nil && a.cfg.Proxy.VerifyReachable {
		slog.Info("verifying egress proxy reaches the relay")
		if err := a.verifyProxy(ctx); err != nil {
			return err
		}
	}

	return a.reconnectLoop(ctx)
}

// verifyProxy checks that the relay is reachable through the
// configured proxy before the agent starts relying on it.
func (a *Agent) verifyProxy(ctx context.Context) error {
	verifier := NewVerifier(a.dialer, a.cfg.RelayHealthURL, a.cfg.Proxy.HealthTimeout)
	return verifier.VerifyReachable(ctx)
}

// reconnectLoop continuously attempts to connect and maintain the
// link, waiting a fixed delay between attempts. Spec.md §4.4 mandates
// a fixed reconnect interval rather than exponential backoff.
func (a *Agent) reconnectLoop(ctx context.Context) error {
	for {
		err := a.runLink(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("link disconnected, reconnecting", "err", err, "delay", a.cfg.ReconnectInterval)
		select {
		case <-time.After(a.cfg.ReconnectInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runLink connects to the relay and processes frames until the link
// drops.
func (a *Agent) runLink(ctx context.Context) error {
	link, err := Connect(ctx, a.cfg, a.dialer)
	if err != nil {
		return err
	}
	defer link.Close()

	var stopCheck func()
	var checkFailed <-chan error
	if a.dialer != nil && a.cfg.Proxy.VerifyReachable && a.cfg.Proxy.RecheckInterval > 0 {
		verifier := NewVerifier(a.dialer, a.cfg.RelayHealthURL, a.cfg.Proxy.HealthTimeout)
		stopCheck, checkFailed = StartPeriodicCheck(verifier, a.cfg.Proxy.RecheckInterval)
		defer stopCheck()
	}

	linkErr := make(chan error, 1)
	go func() {
		linkErr <- link.Run()
	}()

	select {
	case err := <-linkErr:
		return err
	case err := <-checkFailed:
		slog.Error("proxy reachability check failed, closing link", "err", err)
		link.Close()
		return err
	case <-ctx.Done():
		link.Close()
		return ctx.Err()
	}
}
