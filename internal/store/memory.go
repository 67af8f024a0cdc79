package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emylund/fieldstation/internal/model"
)

// Memory is a concurrency-safe in-memory Store used by tests. It mirrors the
// Postgres implementation's semantics: replace-by-instant upserts, deleted
// flags filtered on every range/window read, link rows that survive
// soft-deletes.
type Memory struct {
	mu sync.RWMutex

	nextSensorID  int64
	nextWeatherID int64
	nextAudioID   int64

	sensors          map[int64]*model.SensorReading
	sensorByInstant  map[int64]int64
	weather          map[int64]*model.WeatherReading
	weatherByInstant map[int64]int64
	audio            map[int64]*model.AudioRecording
	links            map[int64]*model.CrossLink
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sensors:          make(map[int64]*model.SensorReading),
		sensorByInstant:  make(map[int64]int64),
		weather:          make(map[int64]*model.WeatherReading),
		weatherByInstant: make(map[int64]int64),
		audio:            make(map[int64]*model.AudioRecording),
		links:            make(map[int64]*model.CrossLink),
	}
}

func (m *Memory) UpsertSensorReading(_ context.Context, r *model.SensorReading) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.sensorByInstant[r.Instant]; ok {
		existing := m.sensors[id]
		existing.RecordedAt = r.RecordedAt
		existing.Date = r.Date
		existing.Time = r.Time
		existing.Moisture = r.Moisture
		existing.Deleted = false
		r.ID = id
		return id, nil
	}

	m.nextSensorID++
	stored := *r
	stored.ID = m.nextSensorID
	stored.Deleted = false
	m.sensors[stored.ID] = &stored
	m.sensorByInstant[stored.Instant] = stored.ID
	r.ID = stored.ID
	return stored.ID, nil
}

func (m *Memory) UpsertWeatherReading(_ context.Context, r *model.WeatherReading) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.weatherByInstant[r.Instant]; ok {
		existing := m.weather[id]
		existing.RecordedAt = r.RecordedAt
		existing.Date = r.Date
		existing.Time = r.Time
		existing.WeatherFields = r.WeatherFields
		existing.Deleted = false
		r.ID = id
		return id, nil
	}

	m.nextWeatherID++
	stored := *r
	stored.ID = m.nextWeatherID
	stored.Deleted = false
	m.weather[stored.ID] = &stored
	m.weatherByInstant[stored.Instant] = stored.ID
	r.ID = stored.ID
	return stored.ID, nil
}

func (m *Memory) GetSensorReading(_ context.Context, id int64) (*model.SensorReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sensors[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (m *Memory) GetWeatherReading(_ context.Context, id int64) (*model.WeatherReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.weather[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

// matchFilter applies the same bound comparisons the SQL implementation
// renders into WHERE conditions.
func matchFilter(f RangeFilter, recordedAt, obsTime string) bool {
	if f.StartDateTime != "" && recordedAt < f.StartDateTime {
		return false
	}
	if f.EndDateTime != "" && recordedAt > f.EndDateTime {
		return false
	}
	if f.StartTime != "" && obsTime < f.StartTime {
		return false
	}
	if f.EndTime != "" && obsTime > f.EndTime {
		return false
	}
	return true
}

func (m *Memory) SensorRange(_ context.Context, f RangeFilter) ([]model.SensorReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var readings []model.SensorReading
	for _, r := range m.sensors {
		if r.Deleted || !matchFilter(f, r.RecordedAt, r.Time) {
			continue
		}
		readings = append(readings, *r)
	}

	sort.Slice(readings, func(i, j int) bool { return readings[i].Instant > readings[j].Instant })
	if f.Limit > 0 && len(readings) > f.Limit {
		readings = readings[:f.Limit]
	}
	return readings, nil
}

func (m *Memory) WeatherRange(_ context.Context, f RangeFilter) ([]model.WeatherReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var readings []model.WeatherReading
	for _, r := range m.weather {
		if r.Deleted || !matchFilter(f, r.RecordedAt, r.Time) {
			continue
		}
		readings = append(readings, *r)
	}

	sort.Slice(readings, func(i, j int) bool { return readings[i].Instant > readings[j].Instant })
	if f.Limit > 0 && len(readings) > f.Limit {
		readings = readings[:f.Limit]
	}
	return readings, nil
}

func (m *Memory) CombinedRange(_ context.Context, f RangeFilter) ([]model.CombinedReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	combined := make(map[int64]*model.CombinedReading)

	row := func(instant int64, date, timeOfDay string) *model.CombinedReading {
		if r, ok := combined[instant]; ok {
			return r
		}
		r := &model.CombinedReading{Instant: instant, Date: date, Time: timeOfDay}
		combined[instant] = r
		return r
	}

	for _, w := range m.weather {
		if w.Deleted || !matchFilter(f, w.RecordedAt, w.Time) {
			continue
		}
		r := row(w.Instant, w.Date, w.Time)
		inTemp, outTemp := w.InTemperature, w.OutTemperature
		inHum, outHum := w.InHumidity, w.OutHumidity
		windSpeed, windDir := w.WindSpeed, w.WindDirection
		dailyRain, rainRate := w.DailyRain, w.RainRate
		r.InTemperature, r.OutTemperature = &inTemp, &outTemp
		r.InHumidity, r.OutHumidity = &inHum, &outHum
		r.WindSpeed, r.WindDirection = &windSpeed, &windDir
		r.DailyRain, r.RainRate = &dailyRain, &rainRate
	}

	for _, s := range m.sensors {
		if s.Deleted || !matchFilter(f, s.RecordedAt, s.Time) {
			continue
		}
		r := row(s.Instant, s.Date, s.Time)
		moisture := s.Moisture
		r.Moisture = &moisture
	}

	var readings []model.CombinedReading
	for _, r := range combined {
		readings = append(readings, *r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Instant > readings[j].Instant })
	if f.Limit > 0 && len(readings) > f.Limit {
		readings = readings[:f.Limit]
	}
	return readings, nil
}

func (m *Memory) SensorWindow(_ context.Context, start, end int64) ([]model.SensorReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var readings []model.SensorReading
	for _, r := range m.sensors {
		if r.Deleted || r.Instant < start || r.Instant > end {
			continue
		}
		readings = append(readings, *r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Instant < readings[j].Instant })
	return readings, nil
}

func (m *Memory) WeatherWindow(_ context.Context, start, end int64) ([]model.WeatherReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var readings []model.WeatherReading
	for _, r := range m.weather {
		if r.Deleted || r.Instant < start || r.Instant > end {
			continue
		}
		readings = append(readings, *r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Instant < readings[j].Instant })
	return readings, nil
}

func (m *Memory) InsertAudioRecording(_ context.Context, a *model.AudioRecording) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAudioID++
	stored := *a
	stored.ID = m.nextAudioID
	stored.Deleted = false
	m.audio[stored.ID] = &stored
	a.ID = stored.ID
	return stored.ID, nil
}

func (m *Memory) UpdateAudioRecording(_ context.Context, a *model.AudioRecording) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.audio[a.ID]
	if !ok {
		return ErrNotFound
	}
	existing.FilePath = a.FilePath
	existing.StartInstant = a.StartInstant
	existing.EndInstant = a.EndInstant
	existing.Deleted = false
	return nil
}

func (m *Memory) GetAudioRecording(_ context.Context, id int64) (*model.AudioRecording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.audio[id]
	if !ok || a.Deleted {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *Memory) FindAudioByStartInstant(_ context.Context, instant int64) (*model.AudioRecording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.audio {
		if !a.Deleted && a.StartInstant == instant {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListAudioRecordings(_ context.Context, limit int) ([]model.AudioRecording, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recordings []model.AudioRecording
	for _, a := range m.audio {
		if a.Deleted {
			continue
		}
		recordings = append(recordings, *a)
	}
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].StartInstant > recordings[j].StartInstant
	})
	if limit > 0 && len(recordings) > limit {
		recordings = recordings[:limit]
	}
	return recordings, nil
}

func (m *Memory) UpsertCrossLink(_ context.Context, instant int64, kind model.RecordKind, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.links[instant]
	if !ok {
		link = &model.CrossLink{Instant: instant}
		m.links[instant] = link
	}

	v := id
	switch kind {
	case model.KindSensor:
		link.SensorReadingID = &v
	case model.KindWeather:
		link.WeatherReadingID = &v
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return nil
}

func (m *Memory) GetCrossLink(_ context.Context, instant int64) (*model.CrossLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.links[instant]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *link
	return &copied, nil
}

func (m *Memory) SetDeleted(_ context.Context, kind model.RecordKind, ids []int64, deleted bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected int64
	switch kind {
	case model.KindSensor:
		for _, id := range ids {
			if r, ok := m.sensors[id]; ok {
				r.Deleted = deleted
				affected++
			}
		}
	case model.KindWeather:
		for _, id := range ids {
			if r, ok := m.weather[id]; ok {
				r.Deleted = deleted
				affected++
			}
		}
	case model.KindAudio:
		for _, id := range ids {
			if a, ok := m.audio[id]; ok {
				a.Deleted = deleted
				affected++
			}
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return affected, nil
}

// SensorReadingCount reports the number of stored sensor rows, deleted
// included. Test helper.
func (m *Memory) SensorReadingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sensors)
}

// WeatherReadingCount reports the number of stored weather rows, deleted
// included. Test helper.
func (m *Memory) WeatherReadingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.weather)
}

// AudioRecordingCount reports the number of stored recordings, deleted
// included. Test helper.
func (m *Memory) AudioRecordingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audio)
}
