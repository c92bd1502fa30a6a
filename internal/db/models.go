package db

import (
	"time"
)

// Destination is the downstream processing track an imported batch is routed to
type Destination string

const (
	DestinationNone         Destination = ""
	DestinationInstallation Destination = "installation"
	DestinationReplacement  Destination = "replacement"
)

// Valid reports whether d is one of the known tracks or unset
func (d Destination) Valid() bool {
	switch d {
	case DestinationNone, DestinationInstallation, DestinationReplacement:
		return true
	}
	return false
}

// MeterKey identifies a meter within the batch it was imported from
type MeterKey struct {
	SerialNumber string `json:"serial_number"`
	SourceFile   string `json:"source_file"`
}

// MeterRecord represents a meter in the database. Position is the row order
// within the source file.
type MeterRecord struct {
	SerialNumber            string
	SourceFile              string
	Position                int
	Number                  string
	Place                   string
	Registered              bool
	IsChecked               bool
	IsSelectedForProcessing bool
	LastModified            time.Time
}

// Key returns the composite identity of the record
func (m MeterRecord) Key() MeterKey {
	return MeterKey{SerialNumber: m.SerialNumber, SourceFile: m.SourceFile}
}

// FileRecord represents one imported batch in the database
type FileRecord struct {
	FileName        string
	UploadDate      time.Time
	MeterCount      int
	IsValid         bool
	ValidationError string
	Destination     Destination
}

// Location is a free-form place name
type Location struct {
	Name      string
	CreatedAt time.Time
}
