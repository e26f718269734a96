package domain

import (
	"encoding/json"
	"time"
)

type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusSuccess    PageStatus = "success"
	PageStatusFailed     PageStatus = "failed"
)

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceDesktop DeviceClass = "desktop"
)

func ValidDeviceClass(d DeviceClass) bool {
	return d == DeviceMobile || d == DeviceDesktop
}

// Report is the raw analysis document returned by the provider for one
// (url, device class) pair. It is opaque to everything except the export
// layer; once attached to a Page it is never mutated.
type Report = json.RawMessage

type Reports struct {
	Mobile  Report `json:"mobile,omitempty"`
	Desktop Report `json:"desktop,omitempty"`
}

type Page struct {
	URL     string     `json:"url"`
	Status  PageStatus `json:"status"`
	Reports Reports    `json:"reports"`
	// ReportIDs are content hashes of uploaded reports, keyed by device class.
	ReportIDs map[DeviceClass]string `json:"reportIds,omitempty"`
	Error     string                 `json:"error,omitempty"`
	AddedAt   time.Time              `json:"addedAt"`
}

// PagePatch carries optional fields for a status update. Nil/zero fields
// are left untouched.
type PagePatch struct {
	Reports      *Reports
	ReportIDs    map[DeviceClass]string
	Error        string
	ClearReports bool
}

// Settings is the analysis configuration for a batch.
// ProMode calls the provider API directly with the user's key; otherwise
// analysis is delegated to the relay worker.
type Settings struct {
	ProMode bool   `json:"proMode"`
	APIKey  string `json:"apiKey,omitempty"`
	Locale  string `json:"locale,omitempty"`
}

type Statistics struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Analyzing int `json:"analyzing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
