package query

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/cache"
	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/internal/store"
	"github.com/emylund/fieldstation/internal/timeutil"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := store.NewMemory()
	return NewEngine(m, cache.Noop{}, log), m
}

func seedSensor(t *testing.T, m *store.Memory, epoch int64, moisture float64) int64 {
	t.Helper()
	n := timeutil.NormalizeInt(epoch)
	id, err := m.UpsertSensorReading(context.Background(), &model.SensorReading{
		Instant: n.Epoch, RecordedAt: n.Instant, Date: n.Date, Time: n.Time, Moisture: moisture,
	})
	if err != nil {
		t.Fatalf("seed sensor: %v", err)
	}
	return id
}

func seedWeather(t *testing.T, m *store.Memory, epoch int64, f model.WeatherFields) int64 {
	t.Helper()
	n := timeutil.NormalizeInt(epoch)
	id, err := m.UpsertWeatherReading(context.Background(), &model.WeatherReading{
		Instant: n.Epoch, RecordedAt: n.Instant, Date: n.Date, Time: n.Time, WeatherFields: f,
	})
	if err != nil {
		t.Fatalf("seed weather: %v", err)
	}
	return id
}

func TestResolveFilterBounds(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		want store.RangeFilter
	}{
		{
			name: "date only covers whole days",
			p:    Params{StartDate: "2024-10-01", EndDate: "2024-10-31"},
			want: store.RangeFilter{StartDateTime: "2024-10-01 00:00:00", EndDateTime: "2024-10-31 23:59:59", Limit: DefaultLimit},
		},
		{
			name: "date and time form a datetime bound",
			p:    Params{StartDate: "2024-10-01", StartTime: "06:00:00"},
			want: store.RangeFilter{StartDateTime: "2024-10-01 06:00:00", Limit: DefaultLimit},
		},
		{
			name: "lone time filters time of day",
			p:    Params{StartTime: "06:00:00", EndTime: "18:00:00"},
			want: store.RangeFilter{StartTime: "06:00:00", EndTime: "18:00:00", Limit: DefaultLimit},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveFilter(tc.p)
			if err != nil {
				t.Fatalf("resolveFilter: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestResolveFilterRejectsBadFormats(t *testing.T) {
	for _, p := range []Params{
		{StartDate: "10/01/2024"},
		{StartDate: "2024-13-01"},
		{EndTime: "25:00:00"},
		{StartTime: "6am"},
	} {
		if _, err := resolveFilter(p); !errors.Is(err, ErrBadParam) {
			t.Errorf("resolveFilter(%+v) err = %v, want ErrBadParam", p, err)
		}
	}
}

func TestSensorRangeFiltersAndRenders(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	// 2024-10-30 11:48:00 and one day later.
	seedSensor(t, m, 1730288880, 41.5)
	seedSensor(t, m, 1730375280, 42.0)

	rows, err := e.SensorRange(ctx, Params{StartDate: "2024-10-30", EndDate: "2024-10-30"})
	if err != nil {
		t.Fatalf("SensorRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Date != "2024-10-30" || rows[0].Time != "11:48:00" || rows[0].Moisture != 41.5 {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestAudioWindow(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	rec := &model.AudioRecording{FilePath: "/tmp/clip_20241030_114800.wav", StartInstant: 1730288880, EndInstant: 1730288940}
	id, err := m.InsertAudioRecording(ctx, rec)
	if err != nil {
		t.Fatalf("InsertAudioRecording: %v", err)
	}

	seedSensor(t, m, 1730288879, 1) // before the clip
	seedSensor(t, m, 1730288880, 2) // start boundary
	seedSensor(t, m, 1730288940, 3) // end boundary
	seedSensor(t, m, 1730288941, 4) // after
	seedWeather(t, m, 1730288900, model.WeatherFields{OutTemperature: 9})

	result, err := e.AudioWindow(ctx, id)
	if err != nil {
		t.Fatalf("AudioWindow: %v", err)
	}
	if len(result.SensorData) != 2 {
		t.Fatalf("sensor rows = %d, want the 2 boundary-inclusive readings", len(result.SensorData))
	}
	if result.SensorData[0].Moisture != 2 || result.SensorData[1].Moisture != 3 {
		t.Errorf("sensor rows not ascending: %+v", result.SensorData)
	}
	if len(result.WeatherData) != 1 {
		t.Errorf("weather rows = %d, want 1", len(result.WeatherData))
	}
}

func TestAudioWindowNotFound(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.AudioWindow(ctx, 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing id err = %v, want ErrNotFound", err)
	}

	rec := &model.AudioRecording{FilePath: "/tmp/clip_20241030_114800.wav", StartInstant: 1730288880, EndInstant: 1730288940}
	id, err := m.InsertAudioRecording(ctx, rec)
	if err != nil {
		t.Fatalf("InsertAudioRecording: %v", err)
	}
	if _, err := m.SetDeleted(ctx, model.KindAudio, []int64{id}, true); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	if _, err := e.AudioWindow(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted recording err = %v, want ErrNotFound", err)
	}
}

func TestAudioRecordingsRendering(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	_, err := m.InsertAudioRecording(ctx, &model.AudioRecording{
		FilePath:     "/data/audio/site_20241030_114800.wav",
		StartInstant: 1730288880,
		EndInstant:   1730288880 + 3725, // 1h 2m 5s
	})
	if err != nil {
		t.Fatalf("InsertAudioRecording: %v", err)
	}

	rows, err := e.AudioRecordings(ctx, 0)
	if err != nil {
		t.Fatalf("AudioRecordings: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.Filename != "site_20241030_114800.wav" {
		t.Errorf("Filename = %q", row.Filename)
	}
	if row.Date != "2024-10-30" || row.StartTime != "11:48:00" {
		t.Errorf("start = %s %s", row.Date, row.StartTime)
	}
	if row.Duration != "01:02:05" {
		t.Errorf("Duration = %q, want 01:02:05", row.Duration)
	}
}

func TestLatestFallsBackToStore(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	seedSensor(t, m, 1730288880, 41.5)
	seedSensor(t, m, 1730375280, 42.0)

	result, err := e.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if result.Sensor == nil || result.Sensor.Moisture != 42.0 {
		t.Errorf("Sensor = %+v, want the newest reading", result.Sensor)
	}
	if result.Weather != nil {
		t.Errorf("Weather = %+v, want nil for an empty stream", result.Weather)
	}
}

func TestResolveLinkIgnoresDeleted(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	sensorID := seedSensor(t, m, 1730288880, 41.5)
	weatherID := seedWeather(t, m, 1730288880, model.WeatherFields{OutTemperature: 9})
	if err := m.UpsertCrossLink(ctx, 1730288880, model.KindSensor, sensorID); err != nil {
		t.Fatalf("UpsertCrossLink: %v", err)
	}
	if err := m.UpsertCrossLink(ctx, 1730288880, model.KindWeather, weatherID); err != nil {
		t.Fatalf("UpsertCrossLink: %v", err)
	}

	if _, err := m.SetDeleted(ctx, model.KindSensor, []int64{sensorID}, true); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}

	result, err := e.ResolveLink(ctx, 1730288880)
	if err != nil {
		t.Fatalf("ResolveLink: %v", err)
	}
	if result.Sensor == nil || result.Sensor.ID != sensorID {
		t.Errorf("Sensor = %+v, want the soft-deleted reading still resolvable", result.Sensor)
	}
	if result.Weather == nil || result.Weather.ID != weatherID {
		t.Errorf("Weather = %+v", result.Weather)
	}
	if result.Instant != "2024-10-30 11:48:00" {
		t.Errorf("Instant = %q", result.Instant)
	}
}

func TestResolveLinkNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.ResolveLink(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
