package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

// Handler returns the node's web API. logLevel may be nil; when set it is
// served at /log/level so the level can be changed at runtime.
func (n *Node) Handler(logLevel *zap.AtomicLevel) http.Handler {
	r := mux.NewRouter()

	r.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz))).Methods(http.MethodGet)
	r.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info))).Methods(http.MethodGet)
	r.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members))).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.MetricsHandler())
	if logLevel != nil {
		r.Handle("/log/level", logLevel).Methods(http.MethodGet, http.MethodPut)
	}

	return r
}

// Healthz returns 200 once the node has been admitted to the group and 503
// before that or after it failed.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if !n.g.Admitted() {
		http.Error(w, "not admitted", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type infoResponse struct {
	PID        int       `json:"pid"`
	RunID      string    `json:"runId"`
	Now        time.Time `json:"now"`
	StartedAt  time.Time `json:"startedAt"`
	Self       string    `json:"self"`
	Introducer bool      `json:"introducer"`
	Admitted   bool      `json:"admitted"`
	Failed     bool      `json:"failed"`
	Heartbeat  uint64    `json:"heartbeat"`
	Members    int       `json:"members"`
}

// Info writes a JSON summary of the node's protocol state.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.logger, infoResponse{
		PID:        os.Getpid(),
		RunID:      n.runID,
		Now:        time.Now(),
		StartedAt:  n.startedAt,
		Self:       n.g.Self().String(),
		Introducer: n.g.IsIntroducer(),
		Admitted:   n.g.Admitted(),
		Failed:     n.g.Failed(),
		Heartbeat:  n.g.Heartbeat(),
		Members:    len(n.g.Members()),
	})
}

type memberResponse struct {
	ID        uint32 `json:"id"`
	Port      uint16 `json:"port"`
	Heartbeat uint64 `json:"heartbeat"`
	Timestamp int64  `json:"timestamp"`
}

// Members writes the membership list as JSON, in table order.
func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	entries := n.g.Members()
	out := make([]memberResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, memberResponse{ID: e.ID, Port: e.Port, Heartbeat: e.Heartbeat, Timestamp: e.Timestamp})
	}
	writeJSON(w, n.logger, out)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
