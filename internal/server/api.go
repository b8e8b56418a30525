package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/events"
	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/sensor"
	"github.com/afroash/plantmon/internal/storage"
)

const (
	defaultReadingLimit = 500
	maxReadingLimit     = 10000
	defaultDailyDays    = 31
	defaultEventLimit   = 50
)

// APIHandler handles HTTP API requests
type APIHandler struct {
	manager DeviceManager
	store   HistoricalStore
	log     *EventLog
	hub     *StreamHub
	logger  zerolog.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(manager DeviceManager, store HistoricalStore, log *EventLog, hub *StreamHub, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		manager: manager,
		store:   store,
		log:     log,
		hub:     hub,
		logger:  logger,
	}
}

// deviceAddress accepts both "C4:7C:8D:6A:1B:2C" and "c47c8d6a1b2c"
func deviceAddress(r *http.Request) string {
	raw := chi.URLParam(r, "address")
	if address, err := events.ParseDeviceToken(raw); err == nil {
		return address
	}
	return strings.ToUpper(raw)
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"devices": len(api.manager.Devices()),
		"time":    time.Now().UTC(),
	})
}

// HandleListDevices returns every managed device in the configured order
func (api *APIHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, api.manager.Devices())
}

// HandleGetDevice returns one device
func (api *APIHandler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	status, ok := api.manager.Device(deviceAddress(r))
	if !ok {
		respondError(w, http.StatusNotFound, sensor.ErrUnknownDevice.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// HandleRefreshAll queues an update of every idle device
func (api *APIHandler) HandleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if err := api.manager.RefreshAll(); err != nil {
		api.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// HandleAction starts an action on a device
func (api *APIHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	address := deviceAddress(r)
	action, err := models.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := api.manager.RequestAction(address, action); err != nil {
		api.respondManagerError(w, err)
		return
	}
	api.logger.Info().Str("device", address).Str("action", action.String()).Msg("Action requested over HTTP")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started", "action": action.String()})
}

// HandleCancel aborts the running action of a device
func (api *APIHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := api.manager.Cancel(deviceAddress(r)); err != nil {
		api.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

// HandleSetLimits replaces the plant limits of a device
func (api *APIHandler) HandleSetLimits(w http.ResponseWriter, r *http.Request) {
	var limits models.PlantLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limits: "+err.Error())
		return
	}
	if err := limits.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := api.manager.SetLimits(deviceAddress(r), limits); err != nil {
		api.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, limits)
}

// HandleClearData deletes the stored readings of a device
func (api *APIHandler) HandleClearData(w http.ResponseWriter, r *http.Request) {
	address := deviceAddress(r)
	if err := api.manager.ClearData(address); err != nil {
		api.respondManagerError(w, err)
		return
	}
	api.log.Clear(address)
	w.WriteHeader(http.StatusNoContent)
}

// HandleReadings returns stored readings of a device, newest first.
// Query: start and end (RFC3339, default the last 24h) or before, and limit.
func (api *APIHandler) HandleReadings(w http.ResponseWriter, r *http.Request) {
	address := deviceAddress(r)
	if _, ok := api.manager.Device(address); !ok {
		respondError(w, http.StatusNotFound, sensor.ErrUnknownDevice.Error())
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultReadingLimit, 1, maxReadingLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	var readings []*models.SensorReading
	if before := q.Get("before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			respondError(w, http.StatusBadRequest, "before: "+err.Error())
			return
		}
		readings, err = api.store.GetReadingsBefore(address, t, limit)
		if err != nil {
			api.respondStoreError(w, err)
			return
		}
	} else {
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		if s := q.Get("start"); s != "" {
			if start, err = time.Parse(time.RFC3339, s); err != nil {
				respondError(w, http.StatusBadRequest, "start: "+err.Error())
				return
			}
		}
		if e := q.Get("end"); e != "" {
			if end, err = time.Parse(time.RFC3339, e); err != nil {
				respondError(w, http.StatusBadRequest, "end: "+err.Error())
				return
			}
		}
		if end.Before(start) {
			respondError(w, http.StatusBadRequest, "end is before start")
			return
		}
		readings, err = api.store.GetReadingsInRange(address, start, end, limit)
		if err != nil {
			api.respondStoreError(w, err)
			return
		}
	}

	if readings == nil {
		readings = []*models.SensorReading{}
	}
	respondJSON(w, http.StatusOK, readings)
}

// HandleDaily returns daily min/avg/max of one field
func (api *APIHandler) HandleDaily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	field, err := models.ParseField(q.Get("field"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	days, err := intParam(q.Get("days"), defaultDailyDays, 1, 3650)
	if err != nil {
		respondError(w, http.StatusBadRequest, "days: "+err.Error())
		return
	}

	aggs, err := api.manager.DailyAggregates(deviceAddress(r), field, days)
	if err != nil {
		api.respondManagerError(w, err)
		return
	}
	if aggs == nil {
		aggs = []models.DailyAggregate{}
	}
	respondJSON(w, http.StatusOK, aggs)
}

// HandleEvents returns the latest events of a device
func (api *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	address := deviceAddress(r)
	if _, ok := api.manager.Device(address); !ok {
		respondError(w, http.StatusNotFound, sensor.ErrUnknownDevice.Error())
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), defaultEventLimit, 1, 1000)
	if err != nil {
		respondError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, api.log.Recent(address, limit))
}

// Stats combines storage, event log and stream figures
type Stats struct {
	Storage     *storage.StorageStats `json:"storage"`
	Events      EventLogStats         `json:"events"`
	Subscribers []SubscriberInfo      `json:"subscribers"`
}

// HandleStats returns server statistics
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := api.store.GetStorageStats()
	if err != nil {
		api.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, Stats{
		Storage:     st,
		Events:      api.log.Stats(),
		Subscribers: api.hub.Subscribers(),
	})
}

func (api *APIHandler) respondManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sensor.ErrUnknownDevice):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sensor.ErrUnsupported):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, sensor.ErrBusy), errors.Is(err, sensor.ErrIdle):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sensor.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		api.logger.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (api *APIHandler) respondStoreError(w http.ResponseWriter, err error) {
	api.logger.Error().Err(err).Msg("Storage query failed")
	respondError(w, http.StatusInternalServerError, "storage error")
}

func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, errors.New("out of range")
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
