// Package httpapi exposes the gateway's synchronous HTTP operations. The
// handlers translate already-typed calls into gateway operations; the only
// call that blocks is a command dispatch, which suspends the request until
// the device answers or the deadline fires.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/fleetgate/internal/gateway"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

const maxRequestBodySize = 1 << 20 // 1MB

// API serves the HTTP surface over a gateway server.
type API struct {
	gw      *gateway.Server
	token   string
	limiter *gateway.APILimiter
}

// New creates the API handler set.
func New(gw *gateway.Server, token string, limiter *gateway.APILimiter) *API {
	return &API{gw: gw, token: token, limiter: limiter}
}

// Routes mounts all endpoints on a mux, including the two WebSocket
// endpoints (which bypass API auth: devices authenticate in their register
// handshake).
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/device", a.gw.HandleDeviceWS)
	mux.HandleFunc("/ws/observer", a.gw.HandleObserverWS)

	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.Handle("GET /api/devices", a.wrap(a.handleListDevices))
	mux.Handle("GET /api/devices/{id}", a.wrap(a.handleGetDevice))
	mux.Handle("GET /api/actions", a.wrap(a.handleListActions))
	mux.Handle("POST /api/devices/{id}/actions", a.wrap(a.handleExecuteAction))
	mux.Handle("POST /api/devices/{id}/stream/start", a.wrap(a.handleStreamStart))
	mux.Handle("POST /api/devices/{id}/stream/stop", a.wrap(a.handleStreamStop))
	mux.Handle("POST /api/devices/{id}/stream/quality", a.wrap(a.handleStreamQuality))
	mux.Handle("GET /api/devices/{id}/stream", a.wrap(a.handleStreamStatus))
	mux.Handle("POST /api/devices/{id}/control/start", a.wrap(a.handleControlStart))
	mux.Handle("POST /api/devices/{id}/control/stop", a.wrap(a.handleControlStop))
	mux.Handle("POST /api/devices/{id}/control/command", a.wrap(a.handleControlCommand))
	mux.Handle("GET /api/devices/{id}/control", a.wrap(a.handleControlStatus))
}

// wrap applies rate limiting, auth and body-size limits.
func (a *API) wrap(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow(remoteIP(r)) {
			writeError(w, protocol.ErrRateLimited)
			return
		}
		if !a.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		h(w, r)
	})
}

// authorized does a timing-safe bearer token comparison. An empty
// configured token disables auth.
func (a *API) authorized(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"observers": a.gw.Hub.ObserverCount(),
		"pending":   a.gw.Correlator.PendingCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

// statusFor maps the gateway error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch protocol.CodeFor(err) {
	case protocol.CodeDeviceNotFound:
		return http.StatusNotFound
	case protocol.CodeDeviceOffline, protocol.CodeDeviceDisconnected:
		return http.StatusConflict
	case protocol.CodeCommandTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeControlNotActive, protocol.CodeStreamNotActive:
		return http.StatusPreconditionFailed
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeValidation:
		return http.StatusBadRequest
	case protocol.CodeCommandFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error": err.Error(),
		"code":  protocol.CodeFor(err),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, &protocol.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
