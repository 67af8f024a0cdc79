// Package ingest accepts observations from every source (CSV batches,
// single readings, audio uploads, directory scans), normalizes their
// timestamps and writes them through the store. All writes funnel through
// Service so cross links, the latest cache and event publishing stay
// consistent regardless of entry point.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/audiometa"
	"github.com/emylund/fieldstation/internal/cache"
	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/internal/queue"
	"github.com/emylund/fieldstation/internal/store"
	"github.com/emylund/fieldstation/internal/timeutil"
)

var (
	// ErrInvalidTimestamp is returned for epochs that cannot be
	// normalized (NaN, infinite). Nothing is stored for such readings.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrUnsupportedFormat is returned for uploads whose extension is not
	// an accepted audio format.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Service coordinates writes across the store, the latest cache and the
// event publisher. Cache and publisher failures are logged, never surfaced:
// persistence is the only hard dependency.
type Service struct {
	store    store.Store
	events   queue.Publisher
	latest   cache.LatestCache
	audioDir string
	log      *logrus.Logger
}

// NewService wires a service. events and latest may be the no-op
// implementations when Kafka or Redis are disabled.
func NewService(st store.Store, events queue.Publisher, latest cache.LatestCache, audioDir string, log *logrus.Logger) *Service {
	return &Service{
		store:    st,
		events:   events,
		latest:   latest,
		audioDir: audioDir,
		log:      log,
	}
}

// UpsertSensor normalizes the epoch and writes the moisture reading,
// updating the cross link for its instant. Returns the stored row id.
func (s *Service) UpsertSensor(ctx context.Context, epoch float64, moisture float64) (int64, error) {
	n, ok := timeutil.Normalize(epoch)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, epoch)
	}

	reading := &model.SensorReading{
		Instant:    n.Epoch,
		RecordedAt: n.Instant,
		Date:       n.Date,
		Time:       n.Time,
		Moisture:   moisture,
	}
	id, err := s.store.UpsertSensorReading(ctx, reading)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert sensor reading: %w", err)
	}
	if err := s.store.UpsertCrossLink(ctx, n.Epoch, model.KindSensor, id); err != nil {
		return 0, fmt.Errorf("failed to upsert cross link: %w", err)
	}

	s.cacheLatestSensor(ctx, reading)
	s.publish(ctx, queue.Event{Type: queue.EventReadingUpserted, Kind: string(model.KindSensor), Instant: n.Epoch})
	return id, nil
}

// UpsertWeather normalizes the epoch and writes the station reading,
// updating the cross link for its instant. Returns the stored row id.
func (s *Service) UpsertWeather(ctx context.Context, epoch float64, fields model.WeatherFields) (int64, error) {
	n, ok := timeutil.Normalize(epoch)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, epoch)
	}

	reading := &model.WeatherReading{
		Instant:       n.Epoch,
		RecordedAt:    n.Instant,
		Date:          n.Date,
		Time:          n.Time,
		WeatherFields: fields,
	}
	id, err := s.store.UpsertWeatherReading(ctx, reading)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert weather reading: %w", err)
	}
	if err := s.store.UpsertCrossLink(ctx, n.Epoch, model.KindWeather, id); err != nil {
		return 0, fmt.Errorf("failed to upsert cross link: %w", err)
	}

	s.cacheLatestWeather(ctx, reading)
	s.publish(ctx, queue.Event{Type: queue.EventReadingUpserted, Kind: string(model.KindWeather), Instant: n.Epoch})
	return id, nil
}

// StoreAudio saves an uploaded clip under the audio directory and records
// it. The upload lands in a temporary file first; only after the metadata is
// extracted and the row written does it take its final name. At most one
// recording exists per start instant: a re-upload updates the existing row
// and removes the superseded file.
func (s *Service) StoreAudio(ctx context.Context, filename string, r io.Reader) (*model.AudioRecording, error) {
	base := filepath.Base(filename)
	if !audiometa.AllowedExtension(base) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(base))
	}

	if err := os.MkdirAll(s.audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}

	// The temporary name keeps the original base so the filename timestamp
	// is still parseable while the file is staged; the dot prefix keeps
	// half-written uploads out of directory scans.
	tmpPath := filepath.Join(s.audioDir, fmt.Sprintf(".upload-%s-%s", uuid.New().String(), base))
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	meta, err := audiometa.Extract(tmpPath)
	if err != nil {
		return nil, err
	}

	finalPath, err := filepath.Abs(filepath.Join(s.audioDir, base))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audio path: %w", err)
	}

	rec, err := s.upsertRecording(ctx, finalPath, meta.StartTimestamp, meta.EndTimestamp)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to move upload into place: %w", err)
	}
	committed = true

	s.publish(ctx, queue.Event{Type: queue.EventAudioStored, Kind: string(model.KindAudio), Instant: rec.StartInstant, Path: finalPath})
	return rec, nil
}

// upsertRecording writes the row for a clip at a start instant, replacing an
// existing recording for the same instant and deleting its old file when the
// path changed.
func (s *Service) upsertRecording(ctx context.Context, path string, start, end int64) (*model.AudioRecording, error) {
	existing, err := s.store.FindAudioByStartInstant(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to look up recording: %w", err)
	}

	if existing == nil {
		rec := &model.AudioRecording{FilePath: path, StartInstant: start, EndInstant: end}
		if _, err := s.store.InsertAudioRecording(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to insert recording: %w", err)
		}
		return rec, nil
	}

	oldPath := existing.FilePath
	existing.FilePath = path
	existing.EndInstant = end
	if err := s.store.UpdateAudioRecording(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update recording: %w", err)
	}
	if oldPath != path {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("path", oldPath).Warn("failed to remove superseded audio file")
		}
	}
	return existing, nil
}

// ScanEntry is the per-file outcome of a directory scan.
type ScanEntry struct {
	File   string `json:"file"`
	Status string `json:"status"` // stored or skipped
	ID     int64  `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ScanAudioDirectory registers every decodable clip already present in the
// audio directory and reports what happened to each file. Files with no
// parseable timestamp or a failed decode are skipped; the scan continues.
func (s *Service) ScanAudioDirectory(ctx context.Context) ([]ScanEntry, error) {
	entries, err := os.ReadDir(s.audioDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio directory: %w", err)
	}

	var results []ScanEntry
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !audiometa.AllowedExtension(entry.Name()) {
			continue
		}
		path := filepath.Join(s.audioDir, entry.Name())
		meta, err := audiometa.Extract(path)
		if err != nil {
			s.log.WithError(err).WithField("file", entry.Name()).Warn("skipping audio file")
			results = append(results, ScanEntry{File: entry.Name(), Status: "skipped", Error: err.Error()})
			continue
		}
		rec, err := s.upsertRecording(ctx, meta.Filepath, meta.StartTimestamp, meta.EndTimestamp)
		if err != nil {
			return results, err
		}
		results = append(results, ScanEntry{File: entry.Name(), Status: "stored", ID: rec.ID})
	}
	return results, nil
}

// SetDeleted flips the soft-delete flag on a batch of records of one kind
// and returns how many rows were affected.
func (s *Service) SetDeleted(ctx context.Context, kind model.RecordKind, ids []int64, deleted bool) (int64, error) {
	return s.store.SetDeleted(ctx, kind, ids, deleted)
}

// cacheLatestSensor refreshes the cached latest sensor reading when this one
// is at least as recent. Historical imports never clobber a newer reading.
func (s *Service) cacheLatestSensor(ctx context.Context, r *model.SensorReading) {
	current, err := s.latest.LatestSensor(ctx)
	if err == nil && current.Instant > r.Instant {
		return
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.log.WithError(err).Warn("failed to read latest sensor cache")
	}
	if err := s.latest.SetLatestSensor(ctx, r); err != nil {
		s.log.WithError(err).Warn("failed to cache latest sensor reading")
	}
}

func (s *Service) cacheLatestWeather(ctx context.Context, r *model.WeatherReading) {
	current, err := s.latest.LatestWeather(ctx)
	if err == nil && current.Instant > r.Instant {
		return
	}
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		s.log.WithError(err).Warn("failed to read latest weather cache")
	}
	if err := s.latest.SetLatestWeather(ctx, r); err != nil {
		s.log.WithError(err).Warn("failed to cache latest weather reading")
	}
}

func (s *Service) publish(ctx context.Context, e queue.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithField("type", e.Type).Warn("failed to publish event")
	}
}
