// Package model defines the entity types persisted by the store. Rows are
// converted to and from SQL at the storage boundary; nothing above it deals
// with raw column maps.
package model

// RecordKind tags which stream a record belongs to. CSV imports classify a
// file once by header shape and carry the tag; downstream code switches on
// the tag instead of re-counting columns.
type RecordKind string

const (
	KindSensor  RecordKind = "sensor"
	KindWeather RecordKind = "weather"
	KindAudio   RecordKind = "audio"
)

// Column counts recognized by the CSV importer.
const (
	SensorColumnCount  = 2
	WeatherColumnCount = 9
)

// ClassifyColumns maps a header's column count to a record kind. Any count
// other than the two recognized shapes is a file-level error for the caller.
func ClassifyColumns(n int) (RecordKind, bool) {
	switch n {
	case SensorColumnCount:
		return KindSensor, true
	case WeatherColumnCount:
		return KindWeather, true
	default:
		return "", false
	}
}

// SensorReading is a single moisture observation. Instant is the unique key;
// RecordedAt/Date/Time are its denormalized display fields (UTC).
type SensorReading struct {
	ID         int64
	Instant    int64
	RecordedAt string
	Date       string
	Time       string
	Moisture   float64
	Deleted    bool
}

// WeatherFields holds the non-timestamp columns of a weather observation,
// in the order they appear in the 9-column CSV shape after the timestamp.
type WeatherFields struct {
	InTemperature  float64
	OutTemperature float64
	InHumidity     float64
	OutHumidity    float64
	WindSpeed      float64
	WindDirection  string
	DailyRain      float64
	RainRate       float64
}

// WeatherReading is a single multi-field station observation keyed by
// Instant, with the same lifecycle as SensorReading.
type WeatherReading struct {
	ID         int64
	Instant    int64
	RecordedAt string
	Date       string
	Time       string
	WeatherFields
	Deleted bool
}

// AudioRecording is a stored clip. At most one non-deleted recording exists
// per distinct StartInstant; re-uploads for the same instant update the row
// in place.
type AudioRecording struct {
	ID           int64
	FilePath     string
	StartInstant int64
	EndInstant   int64
	Deleted      bool
}

// Duration returns the clip length in whole seconds.
func (a AudioRecording) Duration() int64 {
	return a.EndInstant - a.StartInstant
}

// CrossLink records which sensor/weather reading (if any) was observed at an
// instant. A link row exists iff at least one of the two readings exists; it
// is never removed when a reading is soft-deleted.
type CrossLink struct {
	Instant          int64
	SensorReadingID  *int64
	WeatherReadingID *int64
}

// CombinedReading is one row of the outer-joined sensor+weather view.
// Pointer fields are nil where the corresponding stream has no reading at
// the instant.
type CombinedReading struct {
	Instant        int64
	Date           string
	Time           string
	InTemperature  *float64
	OutTemperature *float64
	InHumidity     *float64
	OutHumidity    *float64
	WindSpeed      *float64
	WindDirection  *string
	DailyRain      *float64
	RainRate       *float64
	Moisture       *float64
}

// Import statuses reported for a whole CSV file.
const (
	ImportStatusCompleted = "completed"
	ImportStatusError     = "error"
)

// MaxImportErrors caps the error samples returned in an ImportReport;
// FailCount still reflects the true total.
const MaxImportErrors = 5

// ImportReport summarizes a batch CSV import. Row-level failures are counted
// and sampled, never thrown.
type ImportReport struct {
	Status       string   `json:"status"`
	Kind         string   `json:"kind,omitempty"`
	TotalRows    int      `json:"total_rows_read"`
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
	Errors       []string `json:"errors,omitempty"`
	Message      string   `json:"message"`
}

// AddRowError records a row failure, keeping at most MaxImportErrors samples
// in encounter order.
func (r *ImportReport) AddRowError(msg string) {
	r.FailCount++
	if len(r.Errors) < MaxImportErrors {
		r.Errors = append(r.Errors, msg)
	}
}
