package epidra

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	pathMetrics      = "/metrics"
	pathStatus       = "/status"
	pathAttestations = "/attestations"
)

type statusResponse struct {
	Role     string          `json:"role"`
	Config   json.RawMessage `json:"config"`
	Active   int             `json:"active_sessions"`
	Sessions []sessionInfo   `json:"sessions"`
}

// statusHandler returns a handler that reports our configuration, with
// secrets masked, and the handshakes that are currently in flight.
func statusHandler(cfg *Config, s *sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := s.snapshot()
		resp := statusResponse{
			Role:     cfg.Role,
			Config:   json.RawMessage(cfg.String()),
			Active:   len(snapshot),
			Sessions: snapshot,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// attestationsHandler returns a handler that prints the enclaves that we
// accepted, most recent last.
func attestationsHandler(log transparencyLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, log.String())
	}
}
