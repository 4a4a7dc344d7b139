package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Verifier confirms the configured egress proxy can actually reach the
// relay before the agent starts depending on it. The teacher's check
// compares a direct public IP against a proxied one to prove traffic
// is anonymized through a residential proxy; a corporate egress
// proxy's job is reachability, not anonymity, so this instead fetches
// the relay's own /health endpoint both directly and through the
// proxy, and treats "the proxied fetch succeeds" as the pass
// condition. The direct fetch exists only to tell "the proxy is
// broken" apart from "the relay itself is down".
type Verifier struct {
	dialer    *ProxyDialer
	healthURL string
	timeout   time.Duration
}

// NewVerifier creates a reachability verifier against healthURL,
// routed through dialer.
func NewVerifier(dialer *ProxyDialer, healthURL string, timeout time.Duration) *Verifier {
	return &Verifier{dialer: dialer, healthURL: healthURL, timeout: timeout}
}

// VerifyReachable requires the proxied fetch of the relay's health
// endpoint to succeed, and uses a failed direct fetch to distinguish a
// broken proxy from a relay that is simply down.
func (v *Verifier) VerifyReachable(ctx context.Context) error {
	proxiedErr := v.fetchHealth(ctx, v.dialer.DialContext)
	if proxiedErr == nil {
		slog.Info("egress proxy reaches the relay", "url", v.healthURL)
		return nil
	}

	if directErr := v.fetchHealth(ctx, nil); directErr != nil {
		return fmt.Errorf("relay appears unreachable even directly (proxy error: %v): %w", proxiedErr, directErr)
	}
	return fmt.Errorf("relay is reachable directly but not through the configured proxy: %w", proxiedErr)
}

// CheckHealth re-runs the reachability probe, used for periodic
// rechecks while a link is active.
func (v *Verifier) CheckHealth(ctx context.Context) error {
	return v.VerifyReachable(ctx)
}

// fetchHealth issues a GET against the relay's health endpoint,
// optionally dialing through dial. A nil dial uses the default direct
// dialer.
func (v *Verifier) fetchHealth(ctx context.Context, dial func(context.Context, string, string) (net.Conn, error)) error {
	client := &http.Client{Timeout: v.timeout}
	if dial != nil {
		client.Transport = &http.Transport{DialContext: dial}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.healthURL, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching relay health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay health returned status %d", resp.StatusCode)
	}
	return nil
}

// StartPeriodicCheck runs proxy reachability checks at the given
// interval. It returns a stop function and an error channel that
// signals when a check fails.
func StartPeriodicCheck(v *Verifier, interval time.Duration) (stop func(), failed <-chan error) {
	done := make(chan struct{})
	errCh := make(chan error, 1)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
				if err := v.CheckHealth(ctx); err != nil {
					cancel()
					slog.Error("periodic proxy reachability check failed", "err", err)
					select {
					case errCh <- err:
					default:
					}
					return
				}
				cancel()
				slog.Debug("periodic proxy reachability check passed")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
	}, errCh
}
