package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/internal/queue"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// sniffDelimiter picks the field separator by counting candidates in the
// first chunk of the file. Exported CSVs from station software use either
// comma or semicolon; comma wins ties.
func sniffDelimiter(sample []byte) rune {
	if bytes.Count(sample, []byte{';'}) > bytes.Count(sample, []byte{','}) {
		return ';'
	}
	return ','
}

// ImportCSV reads a whole observation file and upserts every well-formed
// row. The first row is a header; its column count decides whether the file
// carries sensor or weather readings. Row failures are isolated: each one is
// counted and sampled in the report while the rest of the file imports.
func (s *Service) ImportCSV(ctx context.Context, r io.Reader) *model.ImportReport {
	report := &model.ImportReport{Status: model.ImportStatusCompleted}

	br := bufio.NewReader(r)
	if peeked, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(peeked, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	sample, _ := br.Peek(1024)

	reader := csv.NewReader(br)
	reader.Comma = sniffDelimiter(sample)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		report.Status = model.ImportStatusError
		report.Message = fmt.Sprintf("failed to read header: %v", err)
		return report
	}

	kind, ok := model.ClassifyColumns(len(header))
	if !ok {
		report.Status = model.ImportStatusError
		report.Message = fmt.Sprintf("unrecognized schema: %d columns", len(header))
		return report
	}
	report.Kind = string(kind)

	var streamErr error
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				// Not a row-level parse problem; the stream itself
				// failed. Report it as a file-level condition, not as
				// a data row.
				streamErr = err
				break
			}
			report.TotalRows++
			report.AddRowError(fmt.Sprintf("row %d: %v", report.TotalRows, err))
			continue
		}

		report.TotalRows++
		if err := s.importRow(ctx, kind, row); err != nil {
			report.AddRowError(fmt.Sprintf("row %d: %v", report.TotalRows, err))
			continue
		}
		report.SuccessCount++
	}

	if report.SuccessCount == 0 && (report.FailCount > 0 || streamErr != nil) {
		report.Status = model.ImportStatusError
	}
	report.Message = fmt.Sprintf("%d rows imported, %d failed", report.SuccessCount, report.FailCount)
	if streamErr != nil {
		report.Message += fmt.Sprintf("; read aborted: %v", streamErr)
	}

	s.publish(ctx, queue.Event{Type: queue.EventImportCompleted, Kind: report.Kind, Rows: report.SuccessCount})
	return report
}

// importRow validates one data row and writes it through the upsert path for
// its kind. The two shapes order their columns differently: sensor exports
// put the value first ({moisture, timestamp}), weather exports lead with the
// timestamp.
func (s *Service) importRow(ctx context.Context, kind model.RecordKind, row []string) error {
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}

	switch kind {
	case model.KindSensor:
		if len(row) != model.SensorColumnCount {
			return fmt.Errorf("expected %d fields, got %d", model.SensorColumnCount, len(row))
		}
		moisture, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return fmt.Errorf("bad moisture value %q", row[0])
		}
		epoch, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return fmt.Errorf("bad timestamp %q", row[1])
		}
		_, err = s.UpsertSensor(ctx, epoch, moisture)
		return err

	case model.KindWeather:
		if len(row) != model.WeatherColumnCount {
			return fmt.Errorf("expected %d fields, got %d", model.WeatherColumnCount, len(row))
		}
		epoch, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return fmt.Errorf("bad timestamp %q", row[0])
		}
		fields, err := parseWeatherRow(row)
		if err != nil {
			return err
		}
		_, err = s.UpsertWeather(ctx, epoch, fields)
		return err
	}
	return fmt.Errorf("unknown kind %q", kind)
}

// parseWeatherRow maps the 9-column shape onto WeatherFields. Empty numeric
// fields default to zero; non-empty fields that fail to parse fail the row.
// Wind direction (column 6) is carried verbatim.
func parseWeatherRow(row []string) (model.WeatherFields, error) {
	var f model.WeatherFields

	numeric := []struct {
		idx  int
		name string
		dst  *float64
	}{
		{1, "in_temperature", &f.InTemperature},
		{2, "out_temperature", &f.OutTemperature},
		{3, "in_humidity", &f.InHumidity},
		{4, "out_humidity", &f.OutHumidity},
		{5, "wind_speed", &f.WindSpeed},
		{7, "daily_rain", &f.DailyRain},
		{8, "rain_rate", &f.RainRate},
	}

	for _, col := range numeric {
		if row[col.idx] == "" {
			continue
		}
		v, err := strconv.ParseFloat(row[col.idx], 64)
		if err != nil {
			return f, fmt.Errorf("bad %s value %q", col.name, row[col.idx])
		}
		*col.dst = v
	}

	f.WindDirection = row[6]
	return f, nil
}
