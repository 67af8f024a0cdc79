// Package store is the persistence collaborator for the ingestion and query
// core: five logical tables (sensor readings, weather readings, audio
// recordings, cross links, and their soft-delete flags) behind a narrow
// interface. The Postgres implementation is the production store; the memory
// implementation backs tests.
package store

import (
	"context"
	"errors"

	"github.com/emylund/fieldstation/internal/model"
)

var (
	// ErrNotFound is returned when a record id does not resolve.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownKind is returned when an operation names a record kind
	// that has no backing table.
	ErrUnknownKind = errors.New("unknown record kind")
)

// RangeFilter bounds a range query. DateTime bounds compare against the
// stored recorded_at string, time-of-day bounds against the obs_time column;
// empty strings leave the corresponding side unbounded. Limit must be
// positive.
type RangeFilter struct {
	StartDateTime string
	EndDateTime   string
	StartTime     string
	EndTime       string
	Limit         int
}

// Store is the persistence surface consumed by the ingestion and query
// engines. Upserts replace the unique row for an instant rather than
// duplicating it; all range and window reads exclude soft-deleted rows.
// GetSensorReading/GetWeatherReading deliberately ignore the deleted flag so
// cross links can be resolved explicitly.
type Store interface {
	UpsertSensorReading(ctx context.Context, r *model.SensorReading) (int64, error)
	UpsertWeatherReading(ctx context.Context, r *model.WeatherReading) (int64, error)
	GetSensorReading(ctx context.Context, id int64) (*model.SensorReading, error)
	GetWeatherReading(ctx context.Context, id int64) (*model.WeatherReading, error)

	SensorRange(ctx context.Context, f RangeFilter) ([]model.SensorReading, error)
	WeatherRange(ctx context.Context, f RangeFilter) ([]model.WeatherReading, error)
	CombinedRange(ctx context.Context, f RangeFilter) ([]model.CombinedReading, error)
	SensorWindow(ctx context.Context, start, end int64) ([]model.SensorReading, error)
	WeatherWindow(ctx context.Context, start, end int64) ([]model.WeatherReading, error)

	InsertAudioRecording(ctx context.Context, a *model.AudioRecording) (int64, error)
	UpdateAudioRecording(ctx context.Context, a *model.AudioRecording) error
	GetAudioRecording(ctx context.Context, id int64) (*model.AudioRecording, error)
	FindAudioByStartInstant(ctx context.Context, instant int64) (*model.AudioRecording, error)
	ListAudioRecordings(ctx context.Context, limit int) ([]model.AudioRecording, error)

	UpsertCrossLink(ctx context.Context, instant int64, kind model.RecordKind, id int64) error
	GetCrossLink(ctx context.Context, instant int64) (*model.CrossLink, error)

	SetDeleted(ctx context.Context, kind model.RecordKind, ids []int64, deleted bool) (int64, error)
}
