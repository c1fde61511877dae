package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// healthResponse is the liveness check body.
type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// healthHandler reports liveness. It never touches the Quota Ledger or
// User Directory — a degraded backing store should not take the process
// out of its load balancer's rotation.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
