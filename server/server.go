package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/metrics"
	"github.com/luckyim/delivery/registry"
)

// ConnectNode terminates client websocket connections, maintains the
// channel registry for its users and keeps the presence directory pointed
// at itself.
type ConnectNode struct {
	cfg      interfaces.Config
	nodeID   string
	registry *registry.Registry
	auth     interfaces.Authenticator
	dir      interfaces.Directory
	log      *zap.Logger
	metrics  *metrics.Collector

	upgrader   websocket.Upgrader
	httpServer *http.Server
	connCount  atomic.Int64
}

// NewConnectNode wires a connect-node from its collaborators.
func NewConnectNode(cfg interfaces.Config, nodeID string, reg *registry.Registry,
	auth interfaces.Authenticator, dir interfaces.Directory,
	log *zap.Logger, m *metrics.Collector) *ConnectNode {
	if log == nil {
		log = zap.NewNop()
	}
	net := cfg.GetNetwork()
	n := &ConnectNode{
		cfg:      cfg,
		nodeID:   nodeID,
		registry: reg,
		auth:     auth,
		dir:      dir,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: net.HandshakeTimeout,
			ReadBufferSize:   net.ReadBufferSize,
			WriteBufferSize:  net.WriteBufferSize,
			// Cross-origin policy belongs to the edge proxy in front of
			// the node.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", n.handleConnect)
	n.httpServer = &http.Server{
		Addr:    net.Address,
		Handler: mux,
	}
	return n
}

// Run serves websocket connections until ctx is cancelled, then drains.
func (n *ConnectNode) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		n.log.Info("connect node listening",
			zap.String("node_id", n.nodeID),
			zap.String("address", n.httpServer.Addr))
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go n.presenceLoop(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.httpServer.Shutdown(shutCtx)
}

func (n *ConnectNode) handleConnect(w http.ResponseWriter, r *http.Request) {
	net := n.cfg.GetNetwork()
	if int(n.connCount.Load()) >= net.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, deviceType, err := n.auth.Authenticate(r)
	if err != nil {
		n.log.Warn("handshake rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	class := device.ParseOrDefault(deviceType, device.Web)

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		n.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	transport := newTransport(conn, net.WriteTimeout)
	ch := &registry.Channel{
		ID:          uuid.NewString(),
		UserID:      userID,
		Class:       class,
		Transport:   transport,
		ConnectedAt: time.Now(),
	}

	outcome := n.registry.Register(ch)
	for _, evicted := range outcome.Evicted {
		n.kick(evicted, "logged in on another device")
	}

	routing := n.cfg.GetRouting()
	if err := n.dir.Register(r.Context(), userID, n.nodeID, routing.DirectoryTTL); err != nil {
		n.log.Warn("presence registration failed",
			zap.String("user_id", userID), zap.Error(err))
	}

	n.connCount.Add(1)
	if n.metrics != nil {
		n.metrics.ConnectionsCreated.Inc()
		n.metrics.ConnectionsTotal.Inc()
	}
	n.log.Info("channel registered",
		zap.String("channel_id", ch.ID),
		zap.String("user_id", userID),
		zap.String("device_class", string(class)),
		zap.Strings("evicted", outcome.Replaced()))

	go n.readLoop(ch, conn, transport)
}

// readLoop owns the read side of the connection and performs teardown when
// it exits. The client answers our pings; two missed heartbeats close the
// connection.
func (n *ConnectNode) readLoop(ch *registry.Channel, conn *websocket.Conn, transport *wsTransport) {
	net := n.cfg.GetNetwork()
	readWait := 2 * net.HeartbeatInterval

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(net.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := transport.ping(); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		// Inbound application traffic does not flow through the delivery
		// node; clients talk to the API tier. Reads only service control
		// frames and detect disconnects.
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
	}

	close(stopPing)
	n.teardown(ch, transport)
}

func (n *ConnectNode) teardown(ch *registry.Channel, transport *wsTransport) {
	transport.Close()
	n.connCount.Add(-1)
	if n.metrics != nil {
		n.metrics.ConnectionsClosed.Inc()
		n.metrics.ConnectionsTotal.Dec()
	}

	if !n.registry.Deregister(ch.ID) {
		// Already evicted by a conflicting login; the directory entry
		// stays with whoever owns the user now.
		if n.metrics != nil {
			n.metrics.StaleDeregisters.Inc()
		}
		return
	}
	n.log.Info("channel deregistered",
		zap.String("channel_id", ch.ID),
		zap.String("user_id", ch.UserID))

	if len(n.registry.Lookup(ch.UserID)) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.dir.Deregister(ctx, ch.UserID, n.nodeID); err != nil {
			n.log.Warn("presence deregistration failed",
				zap.String("user_id", ch.UserID), zap.Error(err))
		}
	}
}

func (n *ConnectNode) kick(ch *registry.Channel, reason string) {
	if err := ch.Transport.Kick(reason); err != nil && err != interfaces.ErrTransportClosed {
		n.log.Debug("kick frame not delivered",
			zap.String("channel_id", ch.ID), zap.Error(err))
	}
	ch.Transport.Close()
	if n.metrics != nil {
		n.metrics.ChannelsEvicted.Inc()
	}
	n.log.Info("channel evicted",
		zap.String("channel_id", ch.ID),
		zap.String("user_id", ch.UserID),
		zap.String("reason", reason))
}

// presenceLoop re-asserts directory entries for every locally connected
// user, so entries survive their TTL as long as the user stays connected.
func (n *ConnectNode) presenceLoop(ctx context.Context) {
	routing := n.cfg.GetRouting()
	interval := routing.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, userID := range n.registry.Users() {
			ok, err := n.dir.Refresh(ctx, userID, n.nodeID, routing.DirectoryTTL)
			if err != nil {
				n.log.Warn("presence refresh failed",
					zap.String("user_id", userID), zap.Error(err))
				continue
			}
			if !ok {
				// Entry expired or was taken over; re-assert since the
				// user is demonstrably connected here.
				if err := n.dir.Register(ctx, userID, n.nodeID, routing.DirectoryTTL); err != nil {
					n.log.Warn("presence re-registration failed",
						zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
		if n.metrics != nil {
			n.metrics.OnlineUsers.Set(float64(n.registry.UserCount()))
			n.metrics.RegisteredChannels.Set(float64(n.registry.ChannelCount()))
		}
	}
}
