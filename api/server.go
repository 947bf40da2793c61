// Package api serves the orchestrator's state over local HTTP.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"rangelink/eventlog"
	"rangelink/models"
	"rangelink/orchestrator"
	"rangelink/session"
	"rangelink/telemetry"
)

// Pipeline is the part of the orchestrator the API uses.
type Pipeline interface {
	StartScanning(ctx context.Context) error
	StopScanning()
	Scanning() bool
	Peers() []models.PeerRecord
	Events() *eventlog.Log
	LocalConfig() (session.Config, bool)
}

// LocalConfigResponse is the JSON form of the local session config.
type LocalConfigResponse struct {
	SessionID     int32  `json:"session_id"`
	Channel       int32  `json:"channel"`
	PreambleIndex int32  `json:"preamble_index"`
	LocalAddress  string `json:"local_address"`
	OpaqueToken   string `json:"opaque_token,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Scanning bool   `json:"scanning"`
	Peers    int    `json:"peers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Option adds an optional dependency to the API.
type Option func(*handlers)

// WithJournal serves persisted events under /journal.
func WithJournal(journal Journal) Option {
	return func(h *handlers) { h.journal = journal }
}

// WithDiscovery serves raw mDNS sightings under /discovery.
func WithDiscovery(discovery Discovery) Option {
	return func(h *handlers) { h.discovery = discovery }
}

// Handler builds the API mux. Every route is instrumented with metrics.
// Journal and discovery routes answer 503 unless their option is given.
func Handler(pipeline Pipeline, metrics *telemetry.Metrics, logger logrus.FieldLogger, opts ...Option) http.Handler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	h := &handlers{pipeline: pipeline, log: logger.WithField("component", "api")}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	route := func(pattern, op string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(op, fn))
	}
	route("GET /healthz", "healthz", h.healthz)
	route("GET /peers", "peers", h.peers)
	route("GET /events", "events", h.events)
	route("POST /events/clear", "events_clear", h.clearEvents)
	route("GET /local-config", "local_config", h.localConfig)
	route("POST /scan/start", "scan_start", h.startScan)
	route("POST /scan/stop", "scan_stop", h.stopScan)
	route("GET /journal", "journal", h.journalEvents)
	route("GET /journal/{id}", "journal_event", h.journalEvent)
	route("GET /discovery/peers", "discovery_peers", h.discoveryPeers)
	route("POST /discovery/refresh", "discovery_refresh", h.discoveryRefresh)
	mux.Handle("GET /metrics", metrics.MetricsHandler())
	return mux
}

type handlers struct {
	pipeline  Pipeline
	journal   Journal
	discovery Discovery
	log       logrus.FieldLogger
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Scanning: h.pipeline.Scanning(),
		Peers:    len(h.pipeline.Peers()),
	})
}

func (h *handlers) peers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pipeline.Peers())
}

// events returns the whole log, or only the entries after the last clear with
// ?visible=1.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	var events []models.DiscoveryEvent
	if r.URL.Query().Get("visible") == "1" {
		events = h.pipeline.Events().Entries()
	} else {
		events = h.pipeline.Events().All()
	}
	if events == nil {
		events = []models.DiscoveryEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *handlers) clearEvents(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Events().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) localConfig(w http.ResponseWriter, r *http.Request) {
	local, ok := h.pipeline.LocalConfig()
	if !ok {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "ranging unavailable"})
		return
	}
	resp := LocalConfigResponse{
		SessionID:     local.SessionID,
		Channel:       local.Channel,
		PreambleIndex: local.PreambleIndex,
		LocalAddress:  hex.EncodeToString(local.LocalAddress),
	}
	if local.OpaqueToken != nil {
		resp.OpaqueToken = hex.EncodeToString(local.OpaqueToken)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) startScan(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.StartScanning(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrClosed) {
			status = http.StatusConflict
		}
		h.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	h.log.Info("Scanning started over API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) stopScan(w http.ResponseWriter, r *http.Request) {
	h.pipeline.StopScanning()
	h.log.Info("Scanning stopped over API")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Debug("Write response failed")
	}
}
