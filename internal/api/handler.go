package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/alarm"
	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/metrics"
	"github.com/zahidf/muezzin/internal/notify"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
	"github.com/zahidf/muezzin/internal/sync"
)

// TimetableService is the read and write surface the handlers need
// from the sync client.
type TimetableService interface {
	Timetable(ctx context.Context) ([]prayer.Record, error)
	Refresh(ctx context.Context) ([]prayer.Record, error)
	RecordForDate(ctx context.Context, date string) (prayer.Record, error)
	RecordsInRange(ctx context.Context, start, end string) ([]prayer.Record, error)
	ReplaceTimetable(ctx context.Context, records []prayer.Record) ([]string, error)
	PatchRecord(ctx context.Context, date string, patch prayer.Patch) (prayer.Record, error)
	DeleteRecord(ctx context.Context, date string) error
	Events(ctx context.Context) ([]event.Definition, error)
	SaveEvent(ctx context.Context, def event.Definition) (event.Definition, error)
	DeleteEvent(ctx context.Context, id string) error
	Mosque(ctx context.Context) (store.MosqueInfo, error)
	SaveMosque(ctx context.Context, info store.MosqueInfo) error
	Online() bool
}

// SchedulePlanner is the surface the handlers need from the
// notification scheduler.
type SchedulePlanner interface {
	LastPlan() []alarm.Trigger
	Reschedule()
	Preferences() notify.Preferences
	UpdatePreferences(prefs notify.Preferences) error
	EventPreferences() notify.EventPreferences
	UpdateEventPreferences(prefs notify.EventPreferences) error
}

// TimetableResponse is the envelope for timetable reads. Loading is
// always false over HTTP; the field keeps the shape consumers track
// between loading, data and error states.
type TimetableResponse struct {
	Data    []prayer.Record `json:"data"`
	Loading bool            `json:"loading"`
	Error   string          `json:"error,omitempty"`
	Online  bool            `json:"online"`
}

// ImportResponse is returned after a bulk timetable import.
type ImportResponse struct {
	Imported int      `json:"imported"`
	Warnings []string `json:"warnings"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	timetable TimetableService
	planner   SchedulePlanner
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, timetable TimetableService, planner SchedulePlanner) *Handler {
	return &Handler{
		logger:    logger,
		timetable: timetable,
		planner:   planner,
	}
}

// GetTimetable handles GET /v1/timetable and its ?start=&end= range
// form.
func (h *Handler) GetTimetable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")

	var records []prayer.Record
	var err error
	if start != "" || end != "" {
		if start == "" || end == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Incomplete range", "both start and end are required")
			return
		}
		records, err = h.timetable.RecordsInRange(ctx, start, end)
	} else {
		records, err = h.timetable.Timetable(ctx)
	}

	if err != nil {
		if errors.Is(err, prayer.ErrBadRecord) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date range", err.Error())
			return
		}
		// No snapshot to fall back on. The envelope still goes out so
		// consumers keep a single shape to decode.
		h.logger.Warn("timetable read failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(TimetableResponse{
			Data:   []prayer.Record{},
			Error:  "timetable unavailable",
			Online: h.timetable.Online(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(TimetableResponse{
		Data:   records,
		Online: h.timetable.Online(),
	})
}

// GetTimetableDate handles GET /v1/timetable/{date}
func (h *Handler) GetTimetableDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := chi.URLParam(r, "date")

	rec, err := h.timetable.RecordForDate(ctx, date)
	if err != nil {
		switch {
		case errors.Is(err, prayer.ErrBadRecord):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", "date must be in YYYY-MM-DD form")
		case errors.Is(err, store.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "No record for that date", "")
		default:
			h.logger.Warn("record read failed", zap.String("date", date), zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Timetable unavailable", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

// RefreshTimetable handles POST /v1/timetable/refresh
func (h *Handler) RefreshTimetable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.timetable.Refresh(ctx)
	if err != nil {
		h.logger.Warn("forced refresh failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Refresh failed", "the remote store could not be reached")
		return
	}

	h.logger.Info("timetable refreshed", zap.Int("records", len(records)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(TimetableResponse{
		Data:   records,
		Online: h.timetable.Online(),
	})
}

// ImportTimetable handles PUT /v1/timetable
func (h *Handler) ImportTimetable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var records []prayer.Record
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	warnings, err := h.timetable.ReplaceTimetable(ctx, records)
	if err != nil {
		if errors.Is(err, sync.ErrNoValidRecords) {
			metrics.RecordImport("rejected")
			h.writeError(w, http.StatusBadRequest, "invalid_request", "No valid records in import", strings.Join(warnings, "; "))
			return
		}
		metrics.RecordImport("error")
		h.logger.Error("timetable import failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Import failed", "")
		return
	}
	metrics.RecordImport("ok")

	h.logger.Info("timetable imported",
		zap.Int("submitted", len(records)),
		zap.Int("warnings", len(warnings)),
	)

	if warnings == nil {
		warnings = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ImportResponse{
		Imported: len(records) - len(warnings),
		Warnings: warnings,
	})
}

// PatchTimetableDate handles PATCH /v1/timetable/{date}
func (h *Handler) PatchTimetableDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := chi.URLParam(r, "date")

	var patch prayer.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	rec, err := h.timetable.PatchRecord(ctx, date, patch)
	if err != nil {
		switch {
		case errors.Is(err, prayer.ErrBadRecord):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid patch", err.Error())
		case errors.Is(err, store.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "No record for that date", "")
		default:
			h.logger.Error("record patch failed", zap.String("date", date), zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Patch failed", "")
		}
		return
	}

	h.logger.Info("record patched", zap.String("date", date))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

// DeleteTimetableDate handles DELETE /v1/timetable/{date}
func (h *Handler) DeleteTimetableDate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date := chi.URLParam(r, "date")

	if err := h.timetable.DeleteRecord(ctx, date); err != nil {
		switch {
		case errors.Is(err, prayer.ErrBadRecord):
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid date", "date must be in YYYY-MM-DD form")
		case errors.Is(err, store.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "No record for that date", "")
		default:
			h.logger.Error("record delete failed", zap.String("date", date), zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Delete failed", "")
		}
		return
	}

	h.logger.Info("record deleted", zap.String("date", date))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"date":   date,
		"status": "deleted",
	})
}

// GetPreferences handles GET /v1/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.planner.Preferences())
}

// PutPreferences handles PUT /v1/preferences
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs notify.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.planner.UpdatePreferences(prefs); err != nil {
		if errors.Is(err, notify.ErrBadPreferences) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preferences", err.Error())
			return
		}
		h.logger.Error("preference update failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to store preferences", "")
		return
	}

	h.logger.Info("preferences updated")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.planner.Preferences())
}

// GetEventPreferences handles GET /v1/preferences/events
func (h *Handler) GetEventPreferences(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.planner.EventPreferences())
}

// PutEventPreferences handles PUT /v1/preferences/events
func (h *Handler) PutEventPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs notify.EventPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.planner.UpdateEventPreferences(prefs); err != nil {
		h.logger.Error("event preference update failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to store event preferences", "")
		return
	}

	h.logger.Info("event preferences updated", zap.Int("switches", len(prefs)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.planner.EventPreferences())
}

// ListEvents handles GET /v1/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	defs, err := h.timetable.Events(ctx)
	if err != nil {
		h.logger.Warn("event list failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Events unavailable", "")
		return
	}

	if defs == nil {
		defs = []event.Definition{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  defs,
		"count": len(defs),
	})
}

// CreateEvent handles POST /v1/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var def event.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	saved, err := h.timetable.SaveEvent(ctx, def)
	if err != nil {
		if errors.Is(err, event.ErrBadDefinition) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event definition", err.Error())
			return
		}
		h.logger.Error("event save failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Event not saved", "")
		return
	}

	h.logger.Info("event saved",
		zap.String("id", saved.ID),
		zap.String("title", saved.Title),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(saved)
}

// DeleteEvent handles DELETE /v1/events/{id}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.timetable.DeleteEvent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Event not found", "")
			return
		}
		h.logger.Error("event delete failed", zap.String("id", id), zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Event not deleted", "")
		return
	}

	h.logger.Info("event deleted", zap.String("id", id))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"status": "deleted",
	})
}

// ListTriggers handles GET /v1/triggers
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	plan := h.planner.LastPlan()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  plan,
		"count": len(plan),
	})
}

// Reschedule handles POST /v1/triggers/reschedule
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	h.planner.Reschedule()
	armed := len(h.planner.LastPlan())

	h.logger.Info("reschedule requested", zap.Int("armed", armed))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"armed":  armed,
	})
}

// GetMosque handles GET /v1/mosque
func (h *Handler) GetMosque(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.timetable.Mosque(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "No mosque info published", "")
			return
		}
		h.logger.Warn("mosque read failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Mosque info unavailable", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(info)
}

// PutMosque handles PUT /v1/mosque
func (h *Handler) PutMosque(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var info store.MosqueInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if info.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name is required")
		return
	}

	if err := h.timetable.SaveMosque(ctx, info); err != nil {
		h.logger.Error("mosque save failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Mosque info not saved", "")
		return
	}

	h.logger.Info("mosque info updated", zap.String("name", info.Name))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(info)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
