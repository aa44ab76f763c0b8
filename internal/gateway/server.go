package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/fleetgate/internal/command"
	"github.com/nextlevelbuilder/fleetgate/internal/config"
	"github.com/nextlevelbuilder/fleetgate/internal/control"
	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/internal/hub"
	"github.com/nextlevelbuilder/fleetgate/internal/store"
	"github.com/nextlevelbuilder/fleetgate/internal/stream"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Screen frames dominate message size on the device channel.
	maxDeviceMessageSize   = 2 * 1024 * 1024
	maxObserverMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns all gateway state and serves the two WebSocket endpoints.
type Server struct {
	Registry   *device.Registry
	Correlator *command.Correlator
	Actions    *command.Dispatcher
	Streams    *stream.Manager
	Controls   *control.Manager
	Hub        *hub.Hub

	connLimiter *ConnLimiter
	token       string
	devices     store.DeviceRepository
	data        store.DeviceDataRepository
}

// New wires a gateway from config and repositories. The registry's
// disconnect hooks are registered here, in cleanup order: cancel pending
// commands first, then force-stop sessions, then persist and broadcast the
// lifecycle event.
func New(cfg *config.Config, devices store.DeviceRepository, data store.DeviceDataRepository) *Server {
	registry := device.NewRegistry()
	h := hub.New()
	correlator := command.NewCorrelator(registry)
	timeout := cfg.CommandTimeout()

	s := &Server{
		Registry:   registry,
		Correlator: correlator,
		Actions:    command.NewDispatcher(correlator, registry, h, timeout),
		Streams:    stream.NewManager(registry, h, cfg.StreamQuality()),
		Controls:   control.NewManager(registry, correlator, h, timeout),
		Hub:        h,

		connLimiter: NewConnLimiter(cfg.RateLimitWindow(), cfg.Gateway.MaxConnsPerWindow),
		token:       cfg.Gateway.Token,
		devices:     devices,
		data:        data,
	}

	registry.OnDisconnect(correlator.CancelDevice)
	registry.OnDisconnect(s.Streams.ForceStop)
	registry.OnDisconnect(s.Controls.ForceStop)
	registry.OnDisconnect(s.onDeviceOffline)
	return s
}

// ApplyConfig applies the reloadable subset of a config: command timeout
// and default stream quality. Listener, token and database changes need a
// restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	timeout := cfg.CommandTimeout()
	s.Actions.SetTimeout(timeout)
	s.Controls.SetTimeout(timeout)
	s.Streams.SetDefaultQuality(cfg.StreamQuality())
	slog.Info("applied reloaded config",
		"command_timeout_ms", cfg.Gateway.CommandTimeoutMS,
		"stream_fps", cfg.Stream.FPS)
}

// onDeviceOffline persists the offline transition and notifies observers.
// Runs as the last disconnect hook, after command cancellation and session
// force-stops.
func (s *Server) onDeviceOffline(deviceID string) {
	if err := s.devices.MarkOffline(context.Background(), deviceID); err != nil {
		slog.Warn("mark device offline failed", "device", deviceID, "error", err)
	}
	s.Hub.Publish(protocol.TopicDeviceDisconnected, map[string]any{"device_id": deviceID})
}

// HandleDeviceWS upgrades a device connection. Admission is gated by the
// sliding-window limiter keyed by remote IP before the handshake proceeds.
func (s *Server) HandleDeviceWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.connLimiter.Allow(ip) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("device websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	c := newDeviceClient(conn, s, ip)
	go c.writePump()
	c.readPump()
}

// HandleObserverWS upgrades an observer (dashboard) connection.
func (s *Server) HandleObserverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("observer websocket upgrade failed", "error", err)
		return
	}

	c := newObserverClient(conn, s)
	go c.writePump()
	c.readPump()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
