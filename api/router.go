package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"batchhmi/alarm"
	"batchhmi/engine"
	"batchhmi/history"
	"batchhmi/livestore"
	"batchhmi/notify"
	"batchhmi/provider"
	"batchhmi/tag"
	"batchhmi/threshold"
)

// Engine is the part of the engine the REST API uses.
type Engine interface {
	Values() []livestore.Record
	GetLiveValue(name string) (livestore.Record, bool)
	Fresh(name string) bool
	KindOf(name string) tag.DataKind
	WriteTag(ctx context.Context, name string, v tag.Value) error

	Status() engine.Status
	Health() engine.Health
	Mode() provider.Mode
	SetProviderMode(ctx context.Context, mode provider.Mode) error

	AlarmStates(all bool) []alarm.State
	History(ctx context.Context, limit int) ([]history.Event, error)
	AcknowledgeAlarm(ctx context.Context, key history.Key) error
	AcknowledgeActive(ctx context.Context, index int) (history.Key, error)
	SubscribeAlarmEvents() (<-chan notify.AlarmEvent, func())

	Watches() []threshold.Watch
}

// writeTimeout bounds a REST write so a dead PLC cannot hang the request.
const writeTimeout = 3 * time.Second

// defaultHistoryLimit is used when /alarms/history has no limit parameter.
const defaultHistoryLimit = 100

// ValueResponse is the JSON response for a tag value.
type ValueResponse struct {
	Name      string      `json:"name"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value"`
	Fresh     bool        `json:"fresh"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// StatusResponse is the JSON response for /status.
type StatusResponse struct {
	Namespace      string        `json:"namespace"`
	Health         engine.Health `json:"health"`
	Cycles         uint64        `json:"cycles"`
	Overruns       uint64        `json:"overruns"`
	LastCycle      string        `json:"last_cycle,omitempty"`
	CycleMillis    int64         `json:"cycle_ms"`
	TagsRead       int           `json:"tags_read"`
	Failures       int           `json:"failures"`
	DegradedBlocks int           `json:"degraded_blocks"`
	AlarmCycles    uint64        `json:"alarm_cycles"`
	ActiveAlarms   int           `json:"active_alarms"`
	Notifications  int           `json:"notifications"`
	DroppedEvents  uint64        `json:"dropped_events"`
}

// WriteRequest is the JSON request for writing a tag value.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a tag value.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// AckRequest identifies the alarm occurrence to acknowledge, either by its
// history key or, for an active alarm, by index.
type AckRequest struct {
	Index         *int   `json:"index,omitempty"`
	AlarmNumber   int    `json:"alarm_number"`
	TriggeredDate string `json:"triggered_date"`
	TriggeredTime string `json:"triggered_time"`
}

// ModeRequest switches the provider mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine Engine
	hub    *eventHub
}

// NewRouter creates the REST API router. The returned func stops the event
// stream and must be called when the router is retired.
func NewRouter(eng Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}
	stop := h.setupSSE()

	r.Get("/status", h.handleStatus)
	r.Get("/health", h.handleHealth)

	r.Get("/values", h.handleValues)
	r.Get("/values/{name}", h.handleValue)
	r.Post("/write", h.handleWrite)

	r.Route("/alarms", func(r chi.Router) {
		r.Get("/", h.handleAlarms)
		r.Get("/history", h.handleHistory)
		r.Post("/ack", h.handleAck)
	})
	r.Get("/thresholds", h.handleThresholds)

	r.Get("/mode", h.handleGetMode)
	r.Put("/mode", h.handleSetMode)
	r.Post("/mode", h.handleSetMode)

	r.Get("/events", h.handleSSE)

	return r, stop
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var ce *tag.ConfigError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, tag.ErrPackedBitWrite), errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoAlarms):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnreachable), errors.Is(err, provider.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	h.writeError(w, statusFor(err), err.Error())
}

func (h *handlers) valueResponse(rec livestore.Record) ValueResponse {
	resp := ValueResponse{
		Name:  rec.Name,
		Fresh: h.engine.Fresh(rec.Name),
	}
	if !rec.Value.IsError() {
		resp.Type = rec.Value.Kind().String()
		resp.Value = rec.Value.GoValue()
	}
	if rec.LastError != nil {
		resp.Error = rec.LastError.Error()
	}
	if !rec.LastUpdated.IsZero() {
		resp.Timestamp = rec.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Status()
	resp := StatusResponse{
		Namespace:      s.Namespace,
		Health:         s.Health,
		Cycles:         s.Acquisition.Cycles,
		Overruns:       s.Acquisition.Overruns,
		CycleMillis:    s.Acquisition.LastDuration.Milliseconds(),
		TagsRead:       s.Acquisition.TagsRead,
		Failures:       s.Acquisition.Failures,
		DegradedBlocks: s.Acquisition.DegradedBlocks,
		AlarmCycles:    s.Alarms.Cycles,
		ActiveAlarms:   s.ActiveAlarms,
		Notifications:  s.Outstanding,
		DroppedEvents:  s.Dropped,
	}
	if !s.Acquisition.LastCycle.IsZero() {
		resp.LastCycle = s.Acquisition.LastCycle.UTC().Format(time.RFC3339)
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.Health())
}

func (h *handlers) handleValues(w http.ResponseWriter, r *http.Request) {
	records := h.engine.Values()
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	response := make([]ValueResponse, 0, len(records))
	for _, rec := range records {
		response = append(response, h.valueResponse(rec))
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleValue(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in tag name")
		return
	}
	rec, ok := h.engine.GetLiveValue(name)
	if !ok {
		if h.engine.KindOf(name) == 0 {
			h.writeError(w, http.StatusNotFound, "tag not found")
			return
		}
		h.writeError(w, http.StatusServiceUnavailable, "no value read yet")
		return
	}
	h.writeJSON(w, h.valueResponse(rec))
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := WriteResponse{
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	fail := func(status int, err error) {
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}

	kind := h.engine.KindOf(req.Tag)
	if kind == 0 {
		fail(http.StatusNotFound, fmt.Errorf("tag not found"))
		return
	}
	v, err := tag.FromJSON(req.Value, kind)
	if err != nil {
		fail(http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- h.engine.WriteTag(ctx, req.Tag, v)
	}()

	var writeErr error
	select {
	case writeErr = <-resultChan:
	case <-ctx.Done():
		writeErr = fmt.Errorf("write timeout: PLC did not respond within %v: %w", writeTimeout, ctx.Err())
	}
	if writeErr != nil {
		fail(statusFor(writeErr), writeErr)
		return
	}
	resp.Success = true
	h.writeJSON(w, resp)
}

func (h *handlers) handleAlarms(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	states := h.engine.AlarmStates(all)
	if states == nil {
		states = []alarm.State{}
	}
	h.writeJSON(w, states)
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := h.engine.History(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	h.writeJSON(w, events)
}

func (h *handlers) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	var key history.Key
	if req.Index != nil {
		k, err := h.engine.AcknowledgeActive(r.Context(), *req.Index)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		key = k
	} else {
		key = history.Key{
			AlarmNumber:   req.AlarmNumber,
			TriggeredDate: req.TriggeredDate,
			TriggeredTime: req.TriggeredTime,
		}
		if err := h.engine.AcknowledgeAlarm(r.Context(), key); err != nil {
			h.writeEngineError(w, err)
			return
		}
	}
	h.writeJSON(w, map[string]interface{}{"acknowledged": key})
}

func (h *handlers) handleThresholds(w http.ResponseWriter, r *http.Request) {
	watches := h.engine.Watches()
	if watches == nil {
		watches = []threshold.Watch{}
	}
	h.writeJSON(w, watches)
}

func (h *handlers) handleGetMode(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, ModeRequest{Mode: h.engine.Mode().String()})
}

func (h *handlers) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	mode, err := provider.ParseMode(req.Mode)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.SetProviderMode(r.Context(), mode); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, ModeRequest{Mode: h.engine.Mode().String()})
}
