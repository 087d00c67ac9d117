package messaging

import "context"

// HealthReporter is implemented by connection managers.
type HealthReporter interface {
	State() string
	IsConnected() bool
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// CheckHealth snapshots the reporter's connection state.
func CheckHealth(_ context.Context, r HealthReporter) HealthStatus {
	if r == nil {
		return HealthStatus{State: "disconnected", Error: "no broker connection configured"}
	}
	status := HealthStatus{Connected: r.IsConnected(), State: r.State()}
	if !status.Connected {
		status.Error = "not connected to message broker"
	}
	return status
}
