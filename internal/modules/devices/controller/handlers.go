package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vitals-ingest/internal/modules/devices/types"
	"vitals-ingest/internal/utils"
)

type wifiReport struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

type wifiStatusResponse struct {
	DeviceID        string     `json:"deviceId"`
	WiFiStatus      string     `json:"wifiStatus"`
	WiFiConnectedAt *time.Time `json:"wifiConnectedAt"`
	WiFiLastAttempt *time.Time `json:"wifiLastAttempt"`
	DeviceStatus    string     `json:"deviceStatus"`
	IsConnected     bool       `json:"isConnected"`
}

func newWiFiStatusResponse(d types.Device) wifiStatusResponse {
	return wifiStatusResponse{
		DeviceID:        d.ID,
		WiFiStatus:      string(d.WiFiStatus),
		WiFiConnectedAt: d.WiFiConnectedAt,
		WiFiLastAttempt: d.WiFiLastAttempt,
		DeviceStatus:    string(d.Status),
		IsConnected:     d.WiFiStatus == types.WiFiConnected,
	}
}

// parseWiFiStatus accepts the device-side spelling, case-insensitively.
func parseWiFiStatus(s string) (types.WiFiStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONNECTED":
		return types.WiFiConnected, nil
	case "FAILED":
		return types.WiFiFailed, nil
	case "":
		return "", errors.New("status is required")
	default:
		return "", fmt.Errorf("invalid status %q (expected CONNECTED or FAILED)", s)
	}
}

func (c *deviceControllerImpl) handleReportWiFi(w http.ResponseWriter, r *http.Request) {
	var body wifiReport
	if err := utils.DecodeJSON(w, r, &body); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.DeviceID = strings.TrimSpace(body.DeviceID)
	if body.DeviceID == "" {
		utils.WriteError(w, http.StatusBadRequest, "deviceId is required")
		return
	}
	status, err := parseWiFiStatus(body.Status)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := c.service.ReportWiFi(r.Context(), body.DeviceID, status)
	if errors.Is(err, types.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %s not found", body.DeviceID))
		return
	}
	if err != nil {
		slog.Error("wifi status: update failed", "device_id", body.DeviceID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to update wifi status")
		return
	}
	utils.WriteJSON(w, http.StatusOK, newWiFiStatusResponse(d))
}

func (c *deviceControllerImpl) handleGetWiFi(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceId")
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return
	}
	d, err := c.service.Get(r.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, fmt.Sprintf("device %s not found", id))
		return
	}
	if err != nil {
		slog.Error("wifi status: get device failed", "device_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	utils.WriteJSON(w, http.StatusOK, newWiFiStatusResponse(d))
}
