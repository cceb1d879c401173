package models

import "time"

// DeviceStatus is the lifecycle state of an enrolled agent.
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusIsolated DeviceStatus = "isolated"
	DeviceStatusInactive DeviceStatus = "inactive"
)

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusActive, DeviceStatusIsolated, DeviceStatusInactive:
		return true
	}
	return false
}

// Device is an endpoint agent enrolled in one organization. OrganizationID never changes after enrollment.
type Device struct {
	ID             int64        `json:"id"`
	OrganizationID int64        `json:"organization_id"`
	Hostname       string       `json:"hostname"`
	OSType         string       `json:"os_type"` // windows, linux, macos
	MACAddress     string       `json:"mac_address"`
	Status         DeviceStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
}
