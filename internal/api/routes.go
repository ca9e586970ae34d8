package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rover-control/relay/internal/audit"
	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/telemetry"
	"github.com/rover-control/relay/internal/uplink"
)

const maxBodyBytes = 64 << 10

// Routes builds the control-plane router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	r.Post("/command", s.handleCommand)
	r.Post("/mode", s.handleMode)
	r.Post("/stop", s.handleStop)
	r.Post("/connect", s.handleConnect)
	r.Get("/status", s.handleStatus)
	r.Get("/config", s.handleConfig)

	if s.sessions != nil {
		r.Method(http.MethodGet, "/telemetry", s.sessions)
	}
	r.Get("/telemetry/stream", s.handleTelemetryStream)
	r.Get("/telemetry/recent", s.handleTelemetryRecent)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// handleCommand handles POST /command. Unknown fields are ignored.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if !decodeBody(w, r, &cmd) {
		return
	}
	cmd.IssuedAt = time.Now().UTC()

	ctx := audit.WithParams(r.Context(), commandParams(cmd))
	if err := s.orchestrator.IssueCommand(ctx, cmd); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, nil)
}

// handleMode handles POST /mode.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := audit.WithParams(r.Context(), map[string]any{"mode": req.Mode})
	if err := s.orchestrator.SetMode(ctx, req.Mode); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, nil)
}

// handleStop handles POST /stop. The body is ignored.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.IssueStop(r.Context()); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, nil)
}

// handleConnect handles POST /connect. An omitted telemetry source is derived from the base.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceBaseAddress      string `json:"deviceBaseAddress"`
		TelemetrySourceAddress string `json:"telemetrySourceAddress"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := audit.WithParams(r.Context(), map[string]any{
		"deviceBaseAddress":      req.DeviceBaseAddress,
		"telemetrySourceAddress": req.TelemetrySourceAddress,
	})
	cfg, err := s.orchestrator.ReconfigureEndpoint(ctx, req.DeviceBaseAddress, req.TelemetrySourceAddress)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{
		"deviceBaseAddress":      cfg.DeviceBaseAddress,
		"telemetrySourceAddress": cfg.TelemetrySourceAddress,
	})
}

type statusResponse struct {
	Status                 string     `json:"status"`
	LastCommand            string     `json:"lastCommand"`
	LastCommandAt          *time.Time `json:"lastCommandAt,omitempty"`
	DeviceBaseAddress      string     `json:"deviceBaseAddress"`
	TelemetrySourceAddress string     `json:"telemetrySourceAddress"`
	UplinkState            string     `json:"uplinkState"`
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := s.orchestrator.LastCommand()
	current := s.endpoints.Current()

	resp := statusResponse{
		Status:                 "online",
		LastCommand:            last.String(),
		DeviceBaseAddress:      current.DeviceBaseAddress,
		TelemetrySourceAddress: current.TelemetrySourceAddress,
		UplinkState:            s.uplinkState(),
	}
	if !last.At.IsZero() {
		at := last.At
		resp.LastCommandAt = &at
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleConfig handles GET /config.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	current := s.endpoints.Current()
	body := map[string]any{
		"deviceBaseAddress":      current.DeviceBaseAddress,
		"telemetrySourceAddress": current.TelemetrySourceAddress,
	}
	if s.cameraURL != "" {
		body["cameraStreamUrl"] = s.cameraURL
	}
	WriteJSON(w, http.StatusOK, body)
}

// handleTelemetryStream handles GET /telemetry/stream (SSE).
func (s *Server) handleTelemetryStream(w http.ResponseWriter, r *http.Request) {
	if err := s.telemetryHub.ServeSSE(w, r, s.keepAlive); err != nil {
		s.logger.Debug("telemetry stream ended", "error", err.Error())
	}
}

// handleTelemetryRecent handles GET /telemetry/recent[?after=<id>].
func (s *Server) handleTelemetryRecent(w http.ResponseWriter, r *http.Request) {
	events := []telemetry.Event{}
	if s.history != nil {
		if raw := r.URL.Query().Get("after"); raw != "" {
			after, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				WriteError(w, http.StatusBadRequest, CodeInvalidCommand, "after must be an event id")
				return
			}
			events = s.history.After(after)
		} else {
			events = s.history.Snapshot()
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Seconds(),
		"uplinkState": s.uplinkState(),
		"subscribers": s.telemetryHub.Count(),
	})
}

func (s *Server) uplinkState() string {
	if s.uplink == nil {
		return uplink.StateDisabled
	}
	return s.uplink.State()
}

// decodeBody decodes a JSON request body into v. An empty body decodes as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, CodeInvalidCommand, "Malformed JSON body")
		return false
	}
	return true
}

func commandParams(cmd command.Command) map[string]any {
	params := map[string]any{"command": string(cmd.Kind), "continuous": cmd.Continuous}
	if cmd.Speed != nil {
		params["speed"] = *cmd.Speed
	}
	if len(cmd.Direction) > 0 {
		params["direction"] = cmd.Direction
	}
	if cmd.Vector != nil {
		params["vector"] = cmd.Vector
	}
	return params
}
