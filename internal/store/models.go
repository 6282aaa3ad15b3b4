package store

import (
	"time"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
)

// FreezeEvent represents one archived history event (GORM model)
type FreezeEvent struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	EventID      string    `gorm:"column:event_id;size:64;uniqueIndex:idx_event_id"`
	Type         string    `gorm:"column:event_type;size:64;not null;index:idx_event_type"`
	Reason       string    `gorm:"column:reason;type:text"`
	TriggeredBy  string    `gorm:"column:triggered_by;size:253"`
	Namespace    string    `gorm:"column:namespace;size:253;index:idx_event_namespace"`
	ResourceName string    `gorm:"column:resource_name;size:253"`
	OccurredAt   time.Time `gorm:"column:occurred_at;not null;index:idx_event_occurred,sort:desc"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for FreezeEvent
func (*FreezeEvent) TableName() string {
	return "freeze_events"
}

// ToEvent converts the record back into its in-memory shape
func (f *FreezeEvent) ToEvent() history.Event {
	return history.Event{
		ID:           f.EventID,
		Type:         history.EventType(f.Type),
		Timestamp:    f.OccurredAt,
		Reason:       f.Reason,
		TriggeredBy:  f.TriggeredBy,
		Namespace:    f.Namespace,
		ResourceName: f.ResourceName,
	}
}

func newFreezeEvent(e history.Event) FreezeEvent {
	return FreezeEvent{
		EventID:      e.ID,
		Type:         string(e.Type),
		Reason:       e.Reason,
		TriggeredBy:  e.TriggeredBy,
		Namespace:    e.Namespace,
		ResourceName: e.ResourceName,
		OccurredAt:   e.Timestamp,
	}
}

// ExemptionRecord persists one freeze exemption (GORM model)
type ExemptionRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	ExemptionID     string    `gorm:"column:exemption_id;size:64;uniqueIndex:idx_exemption_id"`
	Namespace       string    `gorm:"column:namespace;size:253;not null;index:idx_exemption_namespace"`
	ResourceName    string    `gorm:"column:resource_name;size:253"`
	DurationMinutes int       `gorm:"column:duration_minutes;not null"`
	Reason          string    `gorm:"column:reason;type:text"`
	ApprovedBy      string    `gorm:"column:approved_by;size:253"`
	Used            bool      `gorm:"column:used;not null;default:false"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	ExpiresAt       time.Time `gorm:"column:expires_at;not null;index:idx_exemption_expires"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for ExemptionRecord
func (*ExemptionRecord) TableName() string {
	return "freeze_exemptions"
}

// ToExemption converts the record back into its in-memory shape
func (r *ExemptionRecord) ToExemption() exemption.Exemption {
	return exemption.Exemption{
		ID:              r.ExemptionID,
		Namespace:       r.Namespace,
		ResourceName:    r.ResourceName,
		DurationMinutes: r.DurationMinutes,
		Reason:          r.Reason,
		ApprovedBy:      r.ApprovedBy,
		Used:            r.Used,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func newExemptionRecord(e exemption.Exemption) ExemptionRecord {
	return ExemptionRecord{
		ExemptionID:     e.ID,
		Namespace:       e.Namespace,
		ResourceName:    e.ResourceName,
		DurationMinutes: e.DurationMinutes,
		Reason:          e.Reason,
		ApprovedBy:      e.ApprovedBy,
		Used:            e.Used,
		CreatedAt:       e.CreatedAt,
		ExpiresAt:       e.ExpiresAt,
	}
}

// EventQuery contains parameters for querying archived events
type EventQuery struct {
	Limit     int
	Offset    int
	Since     *time.Time
	Type      string
	Namespace string
}
