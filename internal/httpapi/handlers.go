package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/fleetgate/internal/control"
	"github.com/nextlevelbuilder/fleetgate/internal/device"
	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	f := device.Filter{Platform: r.URL.Query().Get("platform")}
	if v := r.URL.Query().Get("online"); v != "" {
		online := v == "true"
		f.Online = &online
	}
	devices := a.gw.Registry.ListDevices(f)
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.gw.Registry.Resolve(r.PathValue("id"))
	if !ok {
		writeError(w, protocol.ErrDeviceNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions := a.gw.Actions.ListActions(r.URL.Query().Get("platform"))
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (a *API) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, &protocol.ValidationError{Field: "action", Reason: "required"})
		return
	}

	res, err := a.gw.Actions.ExecuteAction(r.Context(), r.PathValue("id"), req.Action, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"command_id": res.CommandID,
		"result":     res.Result,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
}

func (a *API) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality *protocol.StreamQuality `json:"quality"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := a.gw.Streams.Start(r.PathValue("id"), req.Quality)
	respond(w, sess, err)
}

func (a *API) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Streams.Stop(r.PathValue("id")))
}

func (a *API) handleStreamQuality(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality protocol.StreamQuality `json:"quality"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := a.gw.Streams.UpdateQuality(r.PathValue("id"), req.Quality)
	respond(w, sess, err)
}

func (a *API) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Streams.Status(r.PathValue("id")))
}

func (a *API) handleControlStart(w http.ResponseWriter, r *http.Request) {
	sess, err := a.gw.Controls.Start(r.PathValue("id"))
	respond(w, sess, err)
}

func (a *API) handleControlStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Controls.Stop(r.PathValue("id")))
}

func (a *API) handleControlCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := a.gw.Controls.SendCommand(r.Context(), r.PathValue("id"), control.Command{Type: req.Type, Data: req.Data})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"command_id": res.CommandID,
		"result":     res.Result,
	})
}

func (a *API) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Controls.Status(r.PathValue("id")))
}
