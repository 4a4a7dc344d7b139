package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long Run waits for in-flight requests to
// drain once ctx is cancelled.
const shutdownGrace = 5 * time.Second

// Server wires the registry, pending-request table, dispatcher and
// operator API into the relay's two listeners, per spec.md §2's
// two-port model: one address for public HTTP ingress, one for agent
// tunnel connections.
type Server struct {
	cfg        *Config
	registry   *Registry
	pending    *PendingTable
	dispatcher *Dispatcher
	operator   *OperatorAPI
	metrics    *Metrics
	promReg    *prometheus.Registry
	upgrader   websocket.Upgrader
}

// NewServer builds a relay server from cfg. Its collaborators are
// wired once here and reused for the lifetime of the process.
func NewServer(cfg *Config) *Server {
	var pending *PendingTable
	registry := NewRegistry(func(agentID string) {
		pending.RejectForAgent(agentID, errAgentGone)
	})
	pending = NewPendingTable(registry)
	dispatcher := NewDispatcher(registry, pending, cfg.Tunnel.RequestTimeout)
	operator := NewOperatorAPI(registry, dispatcher)

	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg, registry, pending)

	return &Server{
		cfg:        cfg,
		registry:   registry,
		pending:    pending,
		dispatcher: dispatcher,
		operator:   operator,
		metrics:    metrics,
		promReg:    promReg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type agentGoneError struct{}

func (*agentGoneError) Error() string { return "Client disconnected" }

var errAgentGone = &agentGoneError{}

// Run starts the ingress listener, the tunnel listener and the
// heartbeat sweeper concurrently, and blocks until one of them fails
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ingressMux := http.NewServeMux()
	ingressMux.HandleFunc("GET /health", s.operator.Health)
	ingressMux.HandleFunc("GET /status", s.operator.Status)
	ingressMux.HandleFunc("GET /clients", s.operator.Clients)
	ingressMux.HandleFunc("GET /clients/{id}", s.operator.Client)
	ingressMux.HandleFunc("GET /client/{id}/health", s.operator.ClientHealth)
	ingressMux.HandleFunc("GET /route-info", s.operator.RouteInfo)
	ingressMux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	ingressMux.Handle("/", NewIngressHandler(s.dispatcher, s.cfg.Limits.MaxBodyBytes, s.metrics))

	tunnelMux := http.NewServeMux()
	tunnelMux.HandleFunc(s.cfg.Tunnel.Path, s.handleTunnel)

	httpServer := &http.Server{Addr: s.cfg.Listen.HTTPAddr, Handler: ingressMux}
	tunnelServer := &http.Server{Addr: s.cfg.Listen.WSAddr, Handler: tunnelMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("relay http ingress listening", "addr", s.cfg.Listen.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("relay tunnel listener listening", "addr", s.cfg.Listen.WSAddr, "path", s.cfg.Tunnel.Path)
		if err := tunnelServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		RunSweeper(gctx, s.registry, s.cfg.Tunnel.SweepInterval, s.cfg.Tunnel.HeartbeatTimeout, s.metrics)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		tunnelServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// handleTunnel upgrades an inbound connection to a websocket and runs
// the register/confirm handshake, per spec.md §9.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	link, err := AcceptLink(conn, s.registry, s.pending, s.cfg.Limits.MaxFrameBytes)
	if err != nil {
		slog.Warn("agent registration failed", "remote", r.RemoteAddr, "err", err)
		conn.Close()
		return
	}
	slog.Info("agent link established", "id", link.ID(), "remote", r.RemoteAddr)
}
