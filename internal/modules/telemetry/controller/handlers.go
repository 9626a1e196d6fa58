package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"vitals-ingest/internal/modules/telemetry/types"
	"vitals-ingest/internal/normalize"
	"vitals-ingest/internal/telemetry"
	"vitals-ingest/internal/utils"
)

const (
	ingestTypeHealth = "health"
	ingestTypeSleep  = "sleep"
)

type ingestRequest struct {
	DeviceID string          `json:"deviceId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

type ingestResponse struct {
	Result         types.Outcome `json:"result"`
	RecordID       string        `json:"recordId,omitempty"`
	SleepSessionID string        `json:"sleepSessionId,omitempty"`
}

func (req *ingestRequest) validate() error {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if req.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	switch req.Type {
	case ingestTypeHealth, ingestTypeSleep:
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("invalid type %q (expected health or sleep)", req.Type)
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return errors.New("data is required")
	}
	return nil
}

func (c *telemetryControllerImpl) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := c.ingester.Admit(ctx, req.DeviceID); err != nil {
		if errors.Is(err, types.ErrUnknownDevice) {
			utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %s not found", req.DeviceID))
			return
		}
		slog.Error("ingest: admit device failed", "device_id", req.DeviceID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to look up device")
		return
	}

	if req.Type == ingestTypeSleep {
		s, err := c.ingester.StoreSleep(ctx, req.DeviceID, req.Data)
		if errors.Is(err, normalize.ErrUnparsable) {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			slog.Error("ingest: store sleep session failed", "device_id", req.DeviceID, "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to store sleep session")
			return
		}
		utils.WriteJSON(w, http.StatusOK, ingestResponse{Result: types.OutcomeStored, SleepSessionID: s.ID})
		return
	}

	res, err := c.ingester.Store(ctx, types.TransportHTTP, req.DeviceID, req.Data)
	if errors.Is(err, normalize.ErrUnparsable) {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("ingest: commit failed", "device_id", req.DeviceID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to store telemetry")
		return
	}
	utils.WriteJSON(w, http.StatusOK, ingestResponse{Result: res.Outcome, RecordID: res.Record.ID})
}

func (c *telemetryControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !c.requireDevice(w, r, id) {
		return
	}

	limit, err := parseLatestQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	latest, err := c.reader.Latest(r.Context(), id, limit)
	if err != nil {
		slog.Error("latest: query failed", "device_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	utils.WriteJSON(w, http.StatusOK, project(latest))
}

func (c *telemetryControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !c.requireDevice(w, r, id) {
		return
	}

	from, to, limit, err := parseReadingsQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := c.reader.Readings(r.Context(), id, from, to, limit)
	if err != nil {
		slog.Error("readings: query failed", "device_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	utils.WriteJSON(w, http.StatusOK, project(readings))
}

func (c *telemetryControllerImpl) requireDevice(w http.ResponseWriter, r *http.Request, id string) bool {
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return false
	}
	ok, err := c.devices.Exists(r.Context(), id)
	if err != nil {
		slog.Error("device lookup failed", "device_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to look up device")
		return false
	}
	if !ok {
		utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %s not found", id))
		return false
	}
	return true
}

func project(records []telemetry.Record) []telemetry.Projection {
	out := make([]telemetry.Projection, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Sanitized())
	}
	return out
}
