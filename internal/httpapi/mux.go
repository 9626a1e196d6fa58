package httpapi

import (
	"net/http"
)

// NewMux returns a mux with the operational endpoints registered. Feature
// modules add their own routes afterwards.
func NewMux(db Pinger, mqttConnected func() bool, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, mqttConnected)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}
