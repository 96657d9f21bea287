package ipc

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// StatusResponse is returned by every control endpoint.
type StatusResponse struct {
	Active bool `json:"active"`
	// WasActive is set by cancel.
	WasActive *bool `json:"was_active,omitempty"`
}

// RegisterHTTP mounts the control endpoints on mux.
func RegisterHTTP(mux *http.ServeMux, ctrl Controls, logger zerolog.Logger) {
	mux.HandleFunc("/control/start", post(logger, func() StatusResponse {
		return StatusResponse{Active: ctrl.SetActive(true, "http")}
	}))
	mux.HandleFunc("/control/stop", post(logger, func() StatusResponse {
		return StatusResponse{Active: ctrl.SetActive(false, "http")}
	}))
	mux.HandleFunc("/control/toggle", post(logger, func() StatusResponse {
		return StatusResponse{Active: ctrl.Toggle("http")}
	}))
	mux.HandleFunc("/control/cancel", post(logger, func() StatusResponse {
		wasActive := cancel(ctrl, "http")
		return StatusResponse{Active: false, WasActive: &wasActive}
	}))
	mux.HandleFunc("/control/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeStatus(w, logger, StatusResponse{Active: ctrl.IsActive()})
	})
}

func post(logger zerolog.Logger, fn func() StatusResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := fn()
		logger.Debug().Str("path", r.URL.Path).Bool("active", resp.Active).Msg("HTTP control request")
		writeStatus(w, logger, resp)
	}
}

func writeStatus(w http.ResponseWriter, logger zerolog.Logger, resp StatusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode control response")
	}
}
