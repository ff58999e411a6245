package scheduler

import (
	"context"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/source"
)

const (
	StatusHeartbeatTask = "status-heartbeat"
	HardwareProbeTask   = "hardware-probe"
)

// StatusPublisher re-broadcasts the current session status
type StatusPublisher interface {
	PublishStatus()
}

// Prober exposes source health and an immediate reconnect trigger
type Prober interface {
	Health() broadcast.ConnectionHealth
	Kick()
}

// StatusHeartbeat keeps idle viewers converged on the current status
func StatusHeartbeat(schedule string, pub StatusPublisher) *Task {
	return &Task{
		ID:       StatusHeartbeatTask,
		Name:     "Status heartbeat",
		Schedule: schedule,
		ExecutionFn: func(ctx context.Context) error {
			pub.PublishStatus()
			return nil
		},
	}
}

// HardwareProbe cuts the reconnect backoff short while the manager is
// waiting between attempts
func HardwareProbe(schedule string, p Prober) *Task {
	return &Task{
		ID:       HardwareProbeTask,
		Name:     "Hardware probe",
		Schedule: schedule,
		ExecutionFn: func(ctx context.Context) error {
			if p.Health().State == source.StateReconnecting {
				p.Kick()
			}
			return nil
		},
	}
}
