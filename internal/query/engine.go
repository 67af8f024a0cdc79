// Package query resolves read requests against the store: bounded range
// queries over each stream, the combined outer-joined view, the readings
// observed during an audio clip, and latest-reading lookups served from the
// cache when possible. It also renders rows into their response shapes so
// handlers stay thin.
package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/cache"
	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/internal/store"
	"github.com/emylund/fieldstation/internal/timeutil"
)

// ErrBadParam is returned for malformed date or time bounds.
var ErrBadParam = errors.New("bad query parameter")

// DefaultLimit bounds range results when the caller does not.
const DefaultLimit = 1000

// Params are the raw bounds of a range query. Dates are YYYY-MM-DD, times
// HH:MM:SS; any subset may be set. A time with no date on the same side
// filters by time of day across all dates.
type Params struct {
	StartDate string
	EndDate   string
	StartTime string
	EndTime   string
	Limit     int
}

// Engine executes read queries.
type Engine struct {
	store  store.Store
	latest cache.LatestCache
	log    *logrus.Logger
}

// NewEngine wires an engine. latest may be the no-op cache.
func NewEngine(st store.Store, latest cache.LatestCache, log *logrus.Logger) *Engine {
	return &Engine{store: st, latest: latest, log: log}
}

// resolveFilter validates the params and lowers them onto storage bounds. A
// date bound without a time gets the widest time for its side, so a
// date-only range covers whole days.
func resolveFilter(p Params) (store.RangeFilter, error) {
	var f store.RangeFilter

	for _, d := range []string{p.StartDate, p.EndDate} {
		if d != "" {
			if _, err := time.Parse(timeutil.DateLayout, d); err != nil {
				return f, fmt.Errorf("%w: date %q", ErrBadParam, d)
			}
		}
	}
	for _, t := range []string{p.StartTime, p.EndTime} {
		if t != "" {
			if _, err := time.Parse(timeutil.TimeLayout, t); err != nil {
				return f, fmt.Errorf("%w: time %q", ErrBadParam, t)
			}
		}
	}

	switch {
	case p.StartDate != "":
		t := p.StartTime
		if t == "" {
			t = "00:00:00"
		}
		f.StartDateTime = p.StartDate + " " + t
	case p.StartTime != "":
		f.StartTime = p.StartTime
	}

	switch {
	case p.EndDate != "":
		t := p.EndTime
		if t == "" {
			t = "23:59:59"
		}
		f.EndDateTime = p.EndDate + " " + t
	case p.EndTime != "":
		f.EndTime = p.EndTime
	}

	f.Limit = p.Limit
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	return f, nil
}

// SensorRow is the response shape of a moisture reading.
type SensorRow struct {
	ID       int64   `json:"sensor_id"`
	Date     string  `json:"date"`
	Time     string  `json:"time"`
	Moisture float64 `json:"moisture"`
}

// WeatherRow is the response shape of a station reading.
type WeatherRow struct {
	ID             int64   `json:"weather_id"`
	Date           string  `json:"date"`
	Time           string  `json:"time"`
	InTemperature  float64 `json:"in_temperature"`
	OutTemperature float64 `json:"out_temperature"`
	InHumidity     float64 `json:"in_humidity"`
	OutHumidity    float64 `json:"out_humidity"`
	WindSpeed      float64 `json:"wind_speed"`
	WindDirection  string  `json:"wind_direction"`
	DailyRain      float64 `json:"daily_rain"`
	RainRate       float64 `json:"rain_rate"`
}

// CombinedRow is one row of the merged view. Stream fields are null where
// that stream has no reading at the row's instant.
type CombinedRow struct {
	Date           string   `json:"date"`
	Time           string   `json:"time"`
	InTemperature  *float64 `json:"in_temperature"`
	OutTemperature *float64 `json:"out_temperature"`
	InHumidity     *float64 `json:"in_humidity"`
	OutHumidity    *float64 `json:"out_humidity"`
	WindSpeed      *float64 `json:"wind_speed"`
	WindDirection  *string  `json:"wind_direction"`
	DailyRain      *float64 `json:"daily_rain"`
	RainRate       *float64 `json:"rain_rate"`
	Moisture       *float64 `json:"moisture"`
}

// AudioRow is the response shape of a stored recording.
type AudioRow struct {
	ID        int64  `json:"id"`
	Filename  string `json:"filename"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Duration  string `json:"duration"`
}

func renderSensor(r model.SensorReading) SensorRow {
	return SensorRow{ID: r.ID, Date: r.Date, Time: r.Time, Moisture: r.Moisture}
}

func renderWeather(r model.WeatherReading) WeatherRow {
	return WeatherRow{
		ID:             r.ID,
		Date:           r.Date,
		Time:           r.Time,
		InTemperature:  r.InTemperature,
		OutTemperature: r.OutTemperature,
		InHumidity:     r.InHumidity,
		OutHumidity:    r.OutHumidity,
		WindSpeed:      r.WindSpeed,
		WindDirection:  r.WindDirection,
		DailyRain:      r.DailyRain,
		RainRate:       r.RainRate,
	}
}

func renderAudio(a model.AudioRecording) AudioRow {
	start := timeutil.NormalizeInt(a.StartInstant)
	end := timeutil.NormalizeInt(a.EndInstant)
	return AudioRow{
		ID:        a.ID,
		Filename:  filepath.Base(a.FilePath),
		Date:      start.Date,
		StartTime: start.Time,
		EndTime:   end.Time,
		Duration:  timeutil.FormatDuration(a.Duration()),
	}
}

// SensorRange returns moisture readings within the bounds, newest first.
func (e *Engine) SensorRange(ctx context.Context, p Params) ([]SensorRow, error) {
	f, err := resolveFilter(p)
	if err != nil {
		return nil, err
	}
	readings, err := e.store.SensorRange(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor readings: %w", err)
	}
	rows := make([]SensorRow, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, renderSensor(r))
	}
	return rows, nil
}

// WeatherRange returns station readings within the bounds, newest first.
func (e *Engine) WeatherRange(ctx context.Context, p Params) ([]WeatherRow, error) {
	f, err := resolveFilter(p)
	if err != nil {
		return nil, err
	}
	readings, err := e.store.WeatherRange(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query weather readings: %w", err)
	}
	rows := make([]WeatherRow, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, renderWeather(r))
	}
	return rows, nil
}

// CombinedRange returns the merged view within the bounds, newest first. The
// epoch sort key is dropped from the rendered rows.
func (e *Engine) CombinedRange(ctx context.Context, p Params) ([]CombinedRow, error) {
	f, err := resolveFilter(p)
	if err != nil {
		return nil, err
	}
	readings, err := e.store.CombinedRange(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query combined readings: %w", err)
	}
	rows := make([]CombinedRow, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, CombinedRow{
			Date:           r.Date,
			Time:           r.Time,
			InTemperature:  r.InTemperature,
			OutTemperature: r.OutTemperature,
			InHumidity:     r.InHumidity,
			OutHumidity:    r.OutHumidity,
			WindSpeed:      r.WindSpeed,
			WindDirection:  r.WindDirection,
			DailyRain:      r.DailyRain,
			RainRate:       r.RainRate,
			Moisture:       r.Moisture,
		})
	}
	return rows, nil
}

// WindowResult holds every reading observed while a clip was recording,
// oldest first.
type WindowResult struct {
	SensorData  []SensorRow  `json:"sensor_data"`
	WeatherData []WeatherRow `json:"weather_data"`
}

// AudioWindow returns the readings whose instants fall inside the clip's
// recording interval, bounds inclusive. store.ErrNotFound passes through
// when the id does not resolve to a live recording.
func (e *Engine) AudioWindow(ctx context.Context, audioID int64) (*WindowResult, error) {
	rec, err := e.store.GetAudioRecording(ctx, audioID)
	if err != nil {
		return nil, err
	}

	sensors, err := e.store.SensorWindow(ctx, rec.StartInstant, rec.EndInstant)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor window: %w", err)
	}
	weather, err := e.store.WeatherWindow(ctx, rec.StartInstant, rec.EndInstant)
	if err != nil {
		return nil, fmt.Errorf("failed to query weather window: %w", err)
	}

	result := &WindowResult{
		SensorData:  make([]SensorRow, 0, len(sensors)),
		WeatherData: make([]WeatherRow, 0, len(weather)),
	}
	for _, r := range sensors {
		result.SensorData = append(result.SensorData, renderSensor(r))
	}
	for _, r := range weather {
		result.WeatherData = append(result.WeatherData, renderWeather(r))
	}
	return result, nil
}

// AudioRecordings lists stored clips, newest first.
func (e *Engine) AudioRecordings(ctx context.Context, limit int) ([]AudioRow, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	recordings, err := e.store.ListAudioRecordings(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	rows := make([]AudioRow, 0, len(recordings))
	for _, a := range recordings {
		rows = append(rows, renderAudio(a))
	}
	return rows, nil
}

// LatestResult holds the most recent reading of each stream; a side is nil
// when its stream has never produced one.
type LatestResult struct {
	Sensor  *SensorRow  `json:"sensor"`
	Weather *WeatherRow `json:"weather"`
}

// Latest serves the most recent readings, preferring the cache and falling
// back to the store on a miss.
func (e *Engine) Latest(ctx context.Context) (*LatestResult, error) {
	result := &LatestResult{}

	sensor, err := e.latest.LatestSensor(ctx)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		e.log.WithError(err).Warn("latest sensor cache lookup failed")
	}
	if sensor == nil {
		readings, err := e.store.SensorRange(ctx, store.RangeFilter{Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to query latest sensor reading: %w", err)
		}
		if len(readings) > 0 {
			sensor = &readings[0]
		}
	}
	if sensor != nil {
		row := renderSensor(*sensor)
		result.Sensor = &row
	}

	weather, err := e.latest.LatestWeather(ctx)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		e.log.WithError(err).Warn("latest weather cache lookup failed")
	}
	if weather == nil {
		readings, err := e.store.WeatherRange(ctx, store.RangeFilter{Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to query latest weather reading: %w", err)
		}
		if len(readings) > 0 {
			weather = &readings[0]
		}
	}
	if weather != nil {
		row := renderWeather(*weather)
		result.Weather = &row
	}

	return result, nil
}

// LinkResult is a resolved cross link: the readings observed at one instant.
// Soft-deleted readings still resolve here; the link is the system's memory
// of what was observed.
type LinkResult struct {
	Instant string      `json:"instant"`
	Sensor  *SensorRow  `json:"sensor"`
	Weather *WeatherRow `json:"weather"`
}

// ResolveLink returns both readings recorded at an instant, if any.
// store.ErrNotFound passes through when no link row exists.
func (e *Engine) ResolveLink(ctx context.Context, instant int64) (*LinkResult, error) {
	link, err := e.store.GetCrossLink(ctx, instant)
	if err != nil {
		return nil, err
	}

	result := &LinkResult{Instant: timeutil.NormalizeInt(instant).Instant}
	if link.SensorReadingID != nil {
		r, err := e.store.GetSensorReading(ctx, *link.SensorReadingID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve sensor reading: %w", err)
		}
		row := renderSensor(*r)
		result.Sensor = &row
	}
	if link.WeatherReadingID != nil {
		r, err := e.store.GetWeatherReading(ctx, *link.WeatherReadingID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve weather reading: %w", err)
		}
		row := renderWeather(*r)
		result.Weather = &row
	}
	return result, nil
}
