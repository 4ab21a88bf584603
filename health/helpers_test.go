package health

import (
	"testing"
	"time"
)

func TestConstructors(t *testing.T) {
	before := time.Now()

	tests := []struct {
		name    string
		status  Status
		want    string
		healthy bool
	}{
		{"healthy", NewHealthy("a", "m"), StatusHealthy, true},
		{"unhealthy", NewUnhealthy("a", "m"), StatusUnhealthy, false},
		{"degraded", NewDegraded("a", "m"), StatusDegraded, false},
		{"unknown", NewUnknown("a", "m"), StatusUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.status.Status != tt.want {
				t.Errorf("Status = %q, want %q", tt.status.Status, tt.want)
			}
			if tt.status.Healthy != tt.healthy {
				t.Errorf("Healthy = %v, want %v", tt.status.Healthy, tt.healthy)
			}
			if tt.status.Component != "a" || tt.status.Message != "m" {
				t.Errorf("unexpected component/message: %q/%q", tt.status.Component, tt.status.Message)
			}
			if tt.status.Timestamp.Before(before) {
				t.Error("timestamp should be set at construction")
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unknown counts as degraded", []Status{NewHealthy("a", ""), NewUnknown("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewUnknown("c", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			if got.Status != tt.want {
				t.Errorf("Aggregate() status = %q, want %q", got.Status, tt.want)
			}
			if got.Component != "system" {
				t.Errorf("Component = %q, want system", got.Component)
			}
			if len(got.SubStatuses) != len(tt.subs) {
				t.Errorf("SubStatuses = %d, want %d", len(got.SubStatuses), len(tt.subs))
			}
		})
	}
}

func TestAggregate_DoesNotModifyInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	got := Aggregate("system", subs)
	got.SubStatuses[0].Status = StatusUnhealthy

	if subs[0].Status != StatusHealthy {
		t.Error("Aggregate should copy its input")
	}
}
