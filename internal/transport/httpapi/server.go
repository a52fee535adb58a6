// Package httpapi exposes the read-only snapshot over local HTTP for the
// overlay renderer. It serves JSON only; static assets and HTML are not
// this daemon's concern.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/h4rm0n1c/tsraild/internal/engine"
)

// NewServer builds the HTTP server with the snapshot routes.
func NewServer(addr string, eng *engine.Engine, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/state.json", &stateHandler{eng: eng, log: logger})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = fmt.Fprint(w, "ok")
}

type stateHandler struct {
	eng *engine.Engine
	log *zerolog.Logger
}

func (h *stateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h.eng.Snapshot()); err != nil {
		h.log.Debug().Err(err).Msg("state.json write failed")
	}
}
