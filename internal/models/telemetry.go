package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Verdict is the detection result attached to one telemetry event.
type Verdict struct {
	IsThreat  bool     `json:"is_threat"`
	RiskScore int      `json:"risk_score"`
	Reasons   []string `json:"reasons"`
	Degraded  bool     `json:"evaluation_degraded,omitempty"`
}

// TelemetryEvent is an immutable record of one ingested payload and its verdict.
type TelemetryEvent struct {
	ID             uuid.UUID       `json:"id"`
	DeviceID       int64           `json:"device_id"`
	OrganizationID int64           `json:"organization_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	Verdict        Verdict         `json:"threat_evaluation"`
}

// ThreatStatus is the triage state of an active threat.
type ThreatStatus string

const (
	ThreatStatusPending  ThreatStatus = "pending"
	ThreatStatusResolved ThreatStatus = "resolved"
)

// Valid reports whether s is a known threat status.
func (s ThreatStatus) Valid() bool {
	return s == ThreatStatusPending || s == ThreatStatusResolved
}

// ThreatRecord is a row of the high-priority threat index.
type ThreatRecord struct {
	EventID        uuid.UUID       `json:"event_id"`
	DeviceID       int64           `json:"device_id"`
	OrganizationID int64           `json:"organization_id"`
	Timestamp      time.Time       `json:"timestamp"`
	RiskScore      int             `json:"risk_score"`
	Reasons        []string        `json:"reasons"`
	Payload        json.RawMessage `json:"payload"`
	Status         ThreatStatus    `json:"status"`
	EvidenceKey    *string         `json:"evidence_key,omitempty"`
}
