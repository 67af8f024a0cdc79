package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/audiometa"
	"github.com/emylund/fieldstation/internal/ingest"
	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/internal/query"
	"github.com/emylund/fieldstation/internal/store"
	"github.com/emylund/fieldstation/internal/timeutil"
)

func rangeParams(c *gin.Context) query.Params {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return query.Params{
		StartDate: c.Query("start_date"),
		EndDate:   c.Query("end_date"),
		StartTime: c.Query("start_time"),
		EndTime:   c.Query("end_time"),
		Limit:     limit,
	}
}

func rangeStatus(c *gin.Context, err error) {
	if errors.Is(err, query.ErrBadParam) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// GetSensorReadings serves a bounded range of moisture readings.
func (h *Handler) GetSensorReadings(c *gin.Context) {
	rows, err := h.query.SensorRange(c.Request.Context(), rangeParams(c))
	if err != nil {
		rangeStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetWeatherReadings serves a bounded range of station readings.
func (h *Handler) GetWeatherReadings(c *gin.Context) {
	rows, err := h.query.WeatherRange(c.Request.Context(), rangeParams(c))
	if err != nil {
		rangeStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetCombinedReadings serves the outer-joined view of both streams.
func (h *Handler) GetCombinedReadings(c *gin.Context) {
	rows, err := h.query.CombinedRange(c.Request.Context(), rangeParams(c))
	if err != nil {
		rangeStatus(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetLatest serves the most recent reading of each stream.
func (h *Handler) GetLatest(c *gin.Context) {
	result, err := h.query.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type sensorInsertRequest struct {
	Timestamp float64 `json:"timestamp" binding:"required"`
	Moisture  float64 `json:"moisture"`
}

// PostSensorReading inserts or replaces a single moisture reading.
func (h *Handler) PostSensorReading(c *gin.Context) {
	var req sensorInsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := h.ingest.UpsertSensor(c.Request.Context(), req.Timestamp, req.Moisture)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidTimestamp) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sensor_id": id})
}

type weatherInsertRequest struct {
	Timestamp      float64 `json:"timestamp" binding:"required"`
	InTemperature  float64 `json:"in_temperature"`
	OutTemperature float64 `json:"out_temperature"`
	InHumidity     float64 `json:"in_humidity"`
	OutHumidity    float64 `json:"out_humidity"`
	WindSpeed      float64 `json:"wind_speed"`
	WindDirection  string  `json:"wind_direction"`
	DailyRain      float64 `json:"daily_rain"`
	RainRate       float64 `json:"rain_rate"`
}

// PostWeatherReading inserts or replaces a single station reading.
func (h *Handler) PostWeatherReading(c *gin.Context) {
	var req weatherInsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	fields := model.WeatherFields{
		InTemperature:  req.InTemperature,
		OutTemperature: req.OutTemperature,
		InHumidity:     req.InHumidity,
		OutHumidity:    req.OutHumidity,
		WindSpeed:      req.WindSpeed,
		WindDirection:  req.WindDirection,
		DailyRain:      req.DailyRain,
		RainRate:       req.RainRate,
	}
	id, err := h.ingest.UpsertWeather(c.Request.Context(), req.Timestamp, fields)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidTimestamp) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"weather_id": id})
}

// PostCSV imports an uploaded observation file. Row failures are reported in
// the body; only a file that yields nothing is an error status.
func (h *Handler) PostCSV(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open upload: " + err.Error()})
		return
	}
	defer f.Close()

	report := h.ingest.ImportCSV(c.Request.Context(), f)
	h.log.WithFields(logrus.Fields{
		"file":    file.Filename,
		"kind":    report.Kind,
		"success": report.SuccessCount,
		"fail":    report.FailCount,
	}).Info("csv import finished")

	status := http.StatusOK
	if report.Status == model.ImportStatusError {
		status = http.StatusBadRequest
	}
	c.JSON(status, report)
}

// GetAudioRecordings lists stored clips, newest first.
func (h *Handler) GetAudioRecordings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.query.AudioRecordings(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// PostAudio stores an uploaded clip and records its metadata.
func (h *Handler) PostAudio(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open upload: " + err.Error()})
		return
	}
	defer f.Close()

	rec, err := h.ingest.StoreAudio(c.Request.Context(), file.Filename, f)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnsupportedFormat), errors.Is(err, audiometa.ErrNoTimestamp):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "start": rec.StartInstant, "end": rec.EndInstant})
}

// PostAudioScan registers every decodable clip already in the audio
// directory.
func (h *Handler) PostAudioScan(c *gin.Context) {
	results, err := h.ingest.ScanAudioDirectory(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	stored := 0
	for _, r := range results {
		if r.Status == "stored" {
			stored++
		}
	}
	c.JSON(http.StatusOK, gin.H{"files": results, "stored": stored, "skipped": len(results) - stored})
}

// GetAudioEnvironmental serves the readings observed during a clip.
func (h *Handler) GetAudioEnvironmental(c *gin.Context) {
	audioID, err := strconv.ParseInt(c.Query("audio_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio_id must be an integer"})
		return
	}

	result, err := h.query.AudioWindow(c.Request.Context(), audioID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audio recording not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type deleteRequest struct {
	Type    string  `json:"type" binding:"required"`
	IDs     []int64 `json:"ids" binding:"required"`
	Deleted *bool   `json:"deleted"`
}

// PostRecordsDelete flips the soft-delete flag on a batch of records.
// Omitting "deleted" deletes; sending false restores.
func (h *Handler) PostRecordsDelete(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	deleted := true
	if req.Deleted != nil {
		deleted = *req.Deleted
	}

	affected, err := h.ingest.SetDeleted(c.Request.Context(), model.RecordKind(req.Type), req.IDs, deleted)
	if err != nil {
		if errors.Is(err, store.ErrUnknownKind) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"affected": affected, "deleted": deleted})
}

// GetLink resolves the cross link for an instant, given either as an epoch
// or as a "YYYY-MM-DD HH:MM:SS" string.
func (h *Handler) GetLink(c *gin.Context) {
	raw := c.Query("instant")
	instant, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		instant, err = timeutil.ParseInstant(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "instant must be an epoch or YYYY-MM-DD HH:MM:SS"})
			return
		}
	}

	result, err := h.query.ResolveLink(c.Request.Context(), instant)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no readings recorded at that instant"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
