package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/pkg/config"
)

// Postgres implements Store against a PostgreSQL database using
// parameterized statements and single-row upserts.
type Postgres struct {
	db *sql.DB
}

// Connect establishes a pooled connection using the explicit database
// configuration.
func Connect(cfg config.DatabaseConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// withConn scopes a single pooled connection to fn and guarantees its
// release on every exit path.
func (p *Postgres) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// RunMigrations executes all SQL migration files in order.
func (p *Postgres) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := p.db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	return nil
}

// UpsertSensorReading writes the unique sensor row for the reading's
// instant, replacing any prior row (last write wins). A replacement clears
// the deleted flag: a fresh observation supersedes an earlier soft-delete.
func (p *Postgres) UpsertSensorReading(ctx context.Context, r *model.SensorReading) (int64, error) {
	query := `
		INSERT INTO sensor_readings (instant, recorded_at, obs_date, obs_time, moisture, deleted)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (instant) DO UPDATE
		SET recorded_at = EXCLUDED.recorded_at,
		    obs_date = EXCLUDED.obs_date,
		    obs_time = EXCLUDED.obs_time,
		    moisture = EXCLUDED.moisture,
		    deleted = FALSE
		RETURNING id
	`

	var id int64
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query,
			r.Instant, r.RecordedAt, r.Date, r.Time, r.Moisture).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert sensor reading: %w", err)
	}

	r.ID = id
	return id, nil
}

// UpsertWeatherReading writes the unique weather row for the reading's
// instant with the same replacement semantics as sensor readings.
func (p *Postgres) UpsertWeatherReading(ctx context.Context, r *model.WeatherReading) (int64, error) {
	query := `
		INSERT INTO weather_readings (
			instant, recorded_at, obs_date, obs_time,
			in_temperature, out_temperature, in_humidity, out_humidity,
			wind_speed, wind_direction, daily_rain, rain_rate, deleted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE)
		ON CONFLICT (instant) DO UPDATE
		SET recorded_at = EXCLUDED.recorded_at,
		    obs_date = EXCLUDED.obs_date,
		    obs_time = EXCLUDED.obs_time,
		    in_temperature = EXCLUDED.in_temperature,
		    out_temperature = EXCLUDED.out_temperature,
		    in_humidity = EXCLUDED.in_humidity,
		    out_humidity = EXCLUDED.out_humidity,
		    wind_speed = EXCLUDED.wind_speed,
		    wind_direction = EXCLUDED.wind_direction,
		    daily_rain = EXCLUDED.daily_rain,
		    rain_rate = EXCLUDED.rain_rate,
		    deleted = FALSE
		RETURNING id
	`

	var id int64
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query,
			r.Instant, r.RecordedAt, r.Date, r.Time,
			r.InTemperature, r.OutTemperature, r.InHumidity, r.OutHumidity,
			r.WindSpeed, r.WindDirection, r.DailyRain, r.RainRate).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert weather reading: %w", err)
	}

	r.ID = id
	return id, nil
}

// GetSensorReading retrieves a sensor reading by id regardless of its
// deleted flag, so explicit cross-link lookups can resolve hidden rows.
func (p *Postgres) GetSensorReading(ctx context.Context, id int64) (*model.SensorReading, error) {
	query := `
		SELECT id, instant, recorded_at, obs_date, obs_time, moisture, deleted
		FROM sensor_readings
		WHERE id = $1
	`

	var r model.SensorReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, id).Scan(
			&r.ID, &r.Instant, &r.RecordedAt, &r.Date, &r.Time, &r.Moisture, &r.Deleted)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor reading: %w", err)
	}

	return &r, nil
}

// GetWeatherReading retrieves a weather reading by id regardless of its
// deleted flag.
func (p *Postgres) GetWeatherReading(ctx context.Context, id int64) (*model.WeatherReading, error) {
	query := `
		SELECT id, instant, recorded_at, obs_date, obs_time,
		       in_temperature, out_temperature, in_humidity, out_humidity,
		       wind_speed, wind_direction, daily_rain, rain_rate, deleted
		FROM weather_readings
		WHERE id = $1
	`

	var r model.WeatherReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, id).Scan(
			&r.ID, &r.Instant, &r.RecordedAt, &r.Date, &r.Time,
			&r.InTemperature, &r.OutTemperature, &r.InHumidity, &r.OutHumidity,
			&r.WindSpeed, &r.WindDirection, &r.DailyRain, &r.RainRate, &r.Deleted)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get weather reading: %w", err)
	}

	return &r, nil
}

// rangeConditions renders a RangeFilter into SQL conditions, appending bound
// parameters to args.
func rangeConditions(f RangeFilter, args *[]interface{}) []string {
	var conds []string

	add := func(column, op, value string) {
		*args = append(*args, value)
		conds = append(conds, fmt.Sprintf("%s %s $%d", column, op, len(*args)))
	}

	if f.StartDateTime != "" {
		add("recorded_at", ">=", f.StartDateTime)
	}
	if f.EndDateTime != "" {
		add("recorded_at", "<=", f.EndDateTime)
	}
	if f.StartTime != "" {
		add("obs_time", ">=", f.StartTime)
	}
	if f.EndTime != "" {
		add("obs_time", "<=", f.EndTime)
	}

	return conds
}

// SensorRange returns non-deleted sensor readings matching the filter,
// newest first.
func (p *Postgres) SensorRange(ctx context.Context, f RangeFilter) ([]model.SensorReading, error) {
	args := []interface{}{}
	query := `
		SELECT id, instant, recorded_at, obs_date, obs_time, moisture, deleted
		FROM sensor_readings
		WHERE deleted = FALSE
	`
	if conds := rangeConditions(f, &args); len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY instant DESC LIMIT $%d", len(args))

	var readings []model.SensorReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r model.SensorReading
			if err := rows.Scan(&r.ID, &r.Instant, &r.RecordedAt, &r.Date, &r.Time, &r.Moisture, &r.Deleted); err != nil {
				return err
			}
			readings = append(readings, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor range: %w", err)
	}

	return readings, nil
}

// WeatherRange returns non-deleted weather readings matching the filter,
// newest first.
func (p *Postgres) WeatherRange(ctx context.Context, f RangeFilter) ([]model.WeatherReading, error) {
	args := []interface{}{}
	query := `
		SELECT id, instant, recorded_at, obs_date, obs_time,
		       in_temperature, out_temperature, in_humidity, out_humidity,
		       wind_speed, wind_direction, daily_rain, rain_rate, deleted
		FROM weather_readings
		WHERE deleted = FALSE
	`
	if conds := rangeConditions(f, &args); len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY instant DESC LIMIT $%d", len(args))

	var readings []model.WeatherReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r model.WeatherReading
			if err := rows.Scan(&r.ID, &r.Instant, &r.RecordedAt, &r.Date, &r.Time,
				&r.InTemperature, &r.OutTemperature, &r.InHumidity, &r.OutHumidity,
				&r.WindSpeed, &r.WindDirection, &r.DailyRain, &r.RainRate, &r.Deleted); err != nil {
				return err
			}
			readings = append(readings, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query weather range: %w", err)
	}

	return readings, nil
}

// CombinedRange returns the full outer join of the sensor and weather
// streams by instant, one row per distinct instant, newest first. The join
// is the union of a left join and a right join over the two tables; the
// instant doubles as the internal sort key and is stripped by the query
// engine before rendering.
func (p *Postgres) CombinedRange(ctx context.Context, f RangeFilter) ([]model.CombinedReading, error) {
	// COALESCE picks whichever stream has the data so a sensor-only
	// instant still carries its date/time.
	subquery := `
		SELECT COALESCE(w.instant, s.instant) AS instant,
		       COALESCE(w.obs_date, s.obs_date) AS obs_date,
		       COALESCE(w.obs_time, s.obs_time) AS obs_time,
		       COALESCE(w.recorded_at, s.recorded_at) AS recorded_at,
		       w.in_temperature, w.out_temperature, w.in_humidity, w.out_humidity,
		       w.wind_speed, w.wind_direction, w.daily_rain, w.rain_rate,
		       s.moisture
		FROM (SELECT * FROM weather_readings WHERE deleted = FALSE) w
		LEFT JOIN (SELECT * FROM sensor_readings WHERE deleted = FALSE) s ON w.instant = s.instant

		UNION

		SELECT COALESCE(w.instant, s.instant) AS instant,
		       COALESCE(w.obs_date, s.obs_date) AS obs_date,
		       COALESCE(w.obs_time, s.obs_time) AS obs_time,
		       COALESCE(w.recorded_at, s.recorded_at) AS recorded_at,
		       w.in_temperature, w.out_temperature, w.in_humidity, w.out_humidity,
		       w.wind_speed, w.wind_direction, w.daily_rain, w.rain_rate,
		       s.moisture
		FROM (SELECT * FROM weather_readings WHERE deleted = FALSE) w
		RIGHT JOIN (SELECT * FROM sensor_readings WHERE deleted = FALSE) s ON w.instant = s.instant
	`

	args := []interface{}{}
	query := "SELECT instant, obs_date, obs_time, in_temperature, out_temperature, in_humidity, out_humidity, " +
		"wind_speed, wind_direction, daily_rain, rain_rate, moisture FROM (" + subquery + ") combined"
	if conds := rangeConditions(f, &args); len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY instant DESC LIMIT $%d", len(args))

	var readings []model.CombinedReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r                                          model.CombinedReading
				inTemp, outTemp, inHum, outHum, windSpeed  sql.NullFloat64
				dailyRain, rainRate, moisture              sql.NullFloat64
				windDir                                    sql.NullString
			)
			if err := rows.Scan(&r.Instant, &r.Date, &r.Time,
				&inTemp, &outTemp, &inHum, &outHum,
				&windSpeed, &windDir, &dailyRain, &rainRate, &moisture); err != nil {
				return err
			}
			r.InTemperature = nullFloat(inTemp)
			r.OutTemperature = nullFloat(outTemp)
			r.InHumidity = nullFloat(inHum)
			r.OutHumidity = nullFloat(outHum)
			r.WindSpeed = nullFloat(windSpeed)
			r.WindDirection = nullString(windDir)
			r.DailyRain = nullFloat(dailyRain)
			r.RainRate = nullFloat(rainRate)
			r.Moisture = nullFloat(moisture)
			readings = append(readings, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query combined range: %w", err)
	}

	return readings, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// SensorWindow returns non-deleted sensor readings with instant in
// [start, end] inclusive, oldest first.
func (p *Postgres) SensorWindow(ctx context.Context, start, end int64) ([]model.SensorReading, error) {
	query := `
		SELECT id, instant, recorded_at, obs_date, obs_time, moisture, deleted
		FROM sensor_readings
		WHERE deleted = FALSE AND instant BETWEEN $1 AND $2
		ORDER BY instant ASC
	`

	var readings []model.SensorReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, start, end)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r model.SensorReading
			if err := rows.Scan(&r.ID, &r.Instant, &r.RecordedAt, &r.Date, &r.Time, &r.Moisture, &r.Deleted); err != nil {
				return err
			}
			readings = append(readings, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor window: %w", err)
	}

	return readings, nil
}

// WeatherWindow returns non-deleted weather readings with instant in
// [start, end] inclusive, oldest first.
func (p *Postgres) WeatherWindow(ctx context.Context, start, end int64) ([]model.WeatherReading, error) {
	query := `
		SELECT id, instant, recorded_at, obs_date, obs_time,
		       in_temperature, out_temperature, in_humidity, out_humidity,
		       wind_speed, wind_direction, daily_rain, rain_rate, deleted
		FROM weather_readings
		WHERE deleted = FALSE AND instant BETWEEN $1 AND $2
		ORDER BY instant ASC
	`

	var readings []model.WeatherReading
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, start, end)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r model.WeatherReading
			if err := rows.Scan(&r.ID, &r.Instant, &r.RecordedAt, &r.Date, &r.Time,
				&r.InTemperature, &r.OutTemperature, &r.InHumidity, &r.OutHumidity,
				&r.WindSpeed, &r.WindDirection, &r.DailyRain, &r.RainRate, &r.Deleted); err != nil {
				return err
			}
			readings = append(readings, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query weather window: %w", err)
	}

	return readings, nil
}

// InsertAudioRecording inserts a fresh recording row.
func (p *Postgres) InsertAudioRecording(ctx context.Context, a *model.AudioRecording) (int64, error) {
	query := `
		INSERT INTO audio_recordings (file_path, start_instant, end_instant, deleted)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id
	`

	var id int64
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, a.FilePath, a.StartInstant, a.EndInstant).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert audio recording: %w", err)
	}

	a.ID = id
	return id, nil
}

// UpdateAudioRecording refreshes an existing recording in place, keeping its
// id.
func (p *Postgres) UpdateAudioRecording(ctx context.Context, a *model.AudioRecording) error {
	query := `
		UPDATE audio_recordings
		SET file_path = $1, start_instant = $2, end_instant = $3, deleted = FALSE
		WHERE id = $4
	`

	err := p.withConn(ctx, func(conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, query, a.FilePath, a.StartInstant, a.EndInstant, a.ID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update audio recording: %w", err)
	}

	return nil
}

// GetAudioRecording retrieves a non-deleted recording by id.
func (p *Postgres) GetAudioRecording(ctx context.Context, id int64) (*model.AudioRecording, error) {
	query := `
		SELECT id, file_path, start_instant, end_instant, deleted
		FROM audio_recordings
		WHERE id = $1 AND deleted = FALSE
	`

	var a model.AudioRecording
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, id).Scan(
			&a.ID, &a.FilePath, &a.StartInstant, &a.EndInstant, &a.Deleted)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audio recording: %w", err)
	}

	return &a, nil
}

// FindAudioByStartInstant returns the non-deleted recording starting at the
// instant, or nil when none exists.
func (p *Postgres) FindAudioByStartInstant(ctx context.Context, instant int64) (*model.AudioRecording, error) {
	query := `
		SELECT id, file_path, start_instant, end_instant, deleted
		FROM audio_recordings
		WHERE start_instant = $1 AND deleted = FALSE
		LIMIT 1
	`

	var a model.AudioRecording
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, instant).Scan(
			&a.ID, &a.FilePath, &a.StartInstant, &a.EndInstant, &a.Deleted)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find audio recording: %w", err)
	}

	return &a, nil
}

// ListAudioRecordings returns the most recent non-deleted recordings by
// start instant.
func (p *Postgres) ListAudioRecordings(ctx context.Context, limit int) ([]model.AudioRecording, error) {
	query := `
		SELECT id, file_path, start_instant, end_instant, deleted
		FROM audio_recordings
		WHERE deleted = FALSE
		ORDER BY start_instant DESC
		LIMIT $1
	`

	var recordings []model.AudioRecording
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a model.AudioRecording
			if err := rows.Scan(&a.ID, &a.FilePath, &a.StartInstant, &a.EndInstant, &a.Deleted); err != nil {
				return err
			}
			recordings = append(recordings, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list audio recordings: %w", err)
	}

	return recordings, nil
}

// UpsertCrossLink records the reading id observed at an instant, creating
// the link row if absent and otherwise updating only the column for the
// given kind so the sibling stream's id is preserved. Idempotent.
func (p *Postgres) UpsertCrossLink(ctx context.Context, instant int64, kind model.RecordKind, id int64) error {
	var column string
	switch kind {
	case model.KindSensor:
		column = "sensor_reading_id"
	case model.KindWeather:
		column = "weather_reading_id"
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	query := fmt.Sprintf(`
		INSERT INTO cross_links (instant, %s)
		VALUES ($1, $2)
		ON CONFLICT (instant) DO UPDATE SET %s = EXCLUDED.%s
	`, column, column, column)

	err := p.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, query, instant, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert cross link: %w", err)
	}

	return nil
}

// GetCrossLink retrieves the link row for an instant.
func (p *Postgres) GetCrossLink(ctx context.Context, instant int64) (*model.CrossLink, error) {
	query := `
		SELECT instant, sensor_reading_id, weather_reading_id
		FROM cross_links
		WHERE instant = $1
	`

	var (
		link      model.CrossLink
		sensorID  sql.NullInt64
		weatherID sql.NullInt64
	)
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, query, instant).Scan(&link.Instant, &sensorID, &weatherID)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cross link: %w", err)
	}

	if sensorID.Valid {
		v := sensorID.Int64
		link.SensorReadingID = &v
	}
	if weatherID.Valid {
		v := weatherID.Int64
		link.WeatherReadingID = &v
	}

	return &link, nil
}

// SetDeleted flips the soft-delete flag on a batch of ids in the table
// selected by kind, returning how many rows changed. Link rows are left
// untouched; read paths filter on the flag instead.
func (p *Postgres) SetDeleted(ctx context.Context, kind model.RecordKind, ids []int64, deleted bool) (int64, error) {
	var table string
	switch kind {
	case model.KindSensor:
		table = "sensor_readings"
	case model.KindWeather:
		table = "weather_readings"
	case model.KindAudio:
		table = "audio_recordings"
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	query := fmt.Sprintf("UPDATE %s SET deleted = $1 WHERE id = ANY($2)", table)

	var affected int64
	err := p.withConn(ctx, func(conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, query, deleted, pq.Array(ids))
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to set deleted flag: %w", err)
	}

	return affected, nil
}
