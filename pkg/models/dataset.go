package models

import (
	"fmt"
	"time"
)

// Dataset owns a working schema, an original-upload schema and a backup schema.
type Dataset struct {
	SetID       int64     `json:"setid"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkingSchema holds the current tables of the dataset.
func (d *Dataset) WorkingSchema() string { return WorkingSchema(d.SetID) }

// OriginalSchema holds the immutable copy of each uploaded table.
func (d *Dataset) OriginalSchema() string { return OriginalSchema(d.SetID) }

// BackupSchema holds backup snapshots named by their marker's sequence number.
func (d *Dataset) BackupSchema() string { return BackupSchema(d.SetID) }

func WorkingSchema(setID int64) string  { return fmt.Sprintf("dataset_%d", setID) }
func OriginalSchema(setID int64) string { return fmt.Sprintf("original_%d", setID) }
func BackupSchema(setID int64) string   { return fmt.Sprintf("backup_%d", setID) }

// TableInfo summarizes a working table for callers deciding what to show.
type TableInfo struct {
	SetID          int64    `json:"setid"`
	Name           string   `json:"name"`
	Columns        []Column `json:"columns"`
	RowCount       int64    `json:"row_count"`
	BackupCount    int      `json:"backup_count"`
	HasOriginal    bool     `json:"has_original"`
	UndoEnabled    bool     `json:"undo_enabled"`
	Fingerprint    string   `json:"fingerprint"`
	LastSequenceID *int64   `json:"last_transformation_id,omitempty"`
}

// Column describes one column of a working table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Position int    `json:"position"`
}
