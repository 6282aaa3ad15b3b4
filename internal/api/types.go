/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"time"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
)

// HealthResponse is the response for GET /api/v1/health
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// StatusResponse is the response for GET /api/v1/freeze/status and for
// the enable/disable endpoints, which answer with the state they produced.
type StatusResponse struct {
	Frozen           bool         `json:"frozen"`
	FreezeEnabled    bool         `json:"freeze_enabled"`
	FreezeUntil      *time.Time   `json:"freeze_until,omitempty"`
	Message          string       `json:"message"`
	Windows          []WindowInfo `json:"windows"`
	MonitoredKinds   []string     `json:"monitored_resources"`
	FailClosed       bool         `json:"fail_closed"`
	ScheduleCount    int          `json:"schedule_count"`
	ActiveExemptions int          `json:"active_exemptions"`
}

// WindowInfo describes one freeze window that is active right now.
type WindowInfo struct {
	Name    string     `json:"name"`
	Message string     `json:"message,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// FreezeRequest is the request body for POST /api/v1/freeze/enable.
// Both fields are optional; an empty body enables an open-ended freeze
// with the configured message.
type FreezeRequest struct {
	Message string     `json:"message,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// ScheduleInfo is one entry in the response for GET /api/v1/freeze/schedules.
// It carries the stored spec plus the engine's view of it.
type ScheduleInfo struct {
	schedule.Spec
	Kind           string     `json:"kind"`
	Active         bool       `json:"active"`
	NextActivation *time.Time `json:"next_activation,omitempty"`
}

// ScheduleListResponse is the response for GET /api/v1/freeze/schedules
type ScheduleListResponse struct {
	Items []ScheduleInfo `json:"items"`
	Count int            `json:"count"`
}

// ExemptionListResponse is the response for GET /api/v1/freeze/exemptions
type ExemptionListResponse struct {
	Items []exemption.Exemption `json:"items"`
	Count int                   `json:"count"`
}

// HistoryResponse is the response for GET /api/v1/freeze/history
type HistoryResponse struct {
	Items []history.Event `json:"items"`
	Count int             `json:"count"`
}

// EventListResponse is the response for GET /api/v1/freeze/events,
// served from the archive rather than the in-memory ring.
type EventListResponse struct {
	Items      []history.Event `json:"items"`
	Pagination Pagination      `json:"pagination"`
}

// Pagination describes the window of a paginated listing.
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// EvaluateRequest is the request body for POST /api/v1/dryrun/evaluate.
// Operation defaults to UPDATE when omitted.
type EvaluateRequest struct {
	Kind         string            `json:"kind"`
	Namespace    string            `json:"namespace"`
	ResourceName string            `json:"resource_name,omitempty"`
	Operation    string            `json:"operation,omitempty"`
	User         string            `json:"user,omitempty"`
	Groups       []string          `json:"groups,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// EvaluateResponse is the response for POST /api/v1/dryrun/evaluate
type EvaluateResponse struct {
	Allowed     bool     `json:"allowed"`
	Category    string   `json:"category"`
	Message     string   `json:"message"`
	ExemptionID string   `json:"exemption_id,omitempty"`
	Windows     []string `json:"windows,omitempty"`
}

// SimpleResponse is a generic success/failure response
type SimpleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is the error response format
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
