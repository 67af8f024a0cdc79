package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/emylund/fieldstation/internal/cache"
	"github.com/emylund/fieldstation/internal/model"
	"github.com/emylund/fieldstation/internal/queue"
	"github.com/emylund/fieldstation/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := store.NewMemory()
	return NewService(m, queue.Noop{}, cache.Noop{}, t.TempDir(), log), m
}

// writeTestWAV writes a silent 16-bit mono PCM file of the given length.
func writeTestWAV(t *testing.T, path string, seconds int) {
	t.Helper()

	const sampleRate = 8000
	dataSize := uint32(sampleRate * 2 * seconds)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	write := func(v interface{}) {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatalf("write wav: %v", err)
		}
	}

	f.WriteString("RIFF")
	write(uint32(36 + dataSize))
	f.WriteString("WAVE")
	f.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(1))
	write(uint32(sampleRate))
	write(uint32(sampleRate * 2))
	write(uint16(2))
	write(uint16(16))
	f.WriteString("data")
	write(dataSize)
	write(make([]byte, dataSize))
}

func sensorCSV(rows int) string {
	var b strings.Builder
	b.WriteString("moisture,timestamp\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "%.1f,%d\n", 40.0+float64(i), 1730288880+60*i)
	}
	return b.String()
}

func TestImportCSVSensorIdempotent(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		report := svc.ImportCSV(ctx, strings.NewReader(sensorCSV(5)))
		if report.Status != model.ImportStatusCompleted {
			t.Fatalf("attempt %d: status = %q (%s)", attempt, report.Status, report.Message)
		}
		if report.SuccessCount != 5 || report.FailCount != 0 {
			t.Fatalf("attempt %d: success=%d fail=%d, want 5/0", attempt, report.SuccessCount, report.FailCount)
		}
	}

	if m.SensorReadingCount() != 5 {
		t.Errorf("row count after re-import = %d, want 5", m.SensorReadingCount())
	}
}

func TestImportCSVSensorColumnOrder(t *testing.T) {
	svc, m := newTestService(t)

	report := svc.ImportCSV(context.Background(), strings.NewReader("moisture;timestamp\n41.5;1730288880\n"))
	if report.SuccessCount != 1 || report.FailCount != 0 {
		t.Fatalf("success=%d fail=%d, want 1/0 (%v)", report.SuccessCount, report.FailCount, report.Errors)
	}

	readings, err := m.SensorRange(context.Background(), store.RangeFilter{Limit: 10})
	if err != nil {
		t.Fatalf("SensorRange: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d rows, want 1", len(readings))
	}
	r := readings[0]
	if r.Instant != 1730288880 || r.Moisture != 41.5 {
		t.Errorf("stored Instant=%d Moisture=%v, want the timestamp in Instant and the value in Moisture", r.Instant, r.Moisture)
	}
	if r.RecordedAt != "2024-10-30 11:48:00" {
		t.Errorf("RecordedAt = %q", r.RecordedAt)
	}
}

type capturePublisher struct {
	events []queue.Event
}

func (p *capturePublisher) Publish(_ context.Context, e queue.Event) error {
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestImportCSVPublishesCompletionEvent(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	pub := &capturePublisher{}
	svc := NewService(store.NewMemory(), pub, cache.Noop{}, t.TempDir(), log)

	svc.ImportCSV(context.Background(), strings.NewReader(sensorCSV(3)))

	var completed []queue.Event
	for _, e := range pub.events {
		if e.Type == queue.EventImportCompleted {
			completed = append(completed, e)
		}
	}
	if len(completed) != 1 {
		t.Fatalf("got %d completion events, want 1 (%+v)", len(completed), pub.events)
	}
	if completed[0].Kind != "sensor" || completed[0].Rows != 3 {
		t.Errorf("completion event = %+v, want kind sensor with 3 rows", completed[0])
	}
}

// failingReader yields its content and then a non-EOF error, as a network
// body that dies mid-transfer would.
type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func TestImportCSVStreamFailureIsNotARow(t *testing.T) {
	svc, _ := newTestService(t)

	r := &failingReader{
		r:   strings.NewReader("moisture,timestamp\n41.5,1730288880\n"),
		err: errors.New("connection reset"),
	}
	report := svc.ImportCSV(context.Background(), r)

	if report.TotalRows != 1 || report.SuccessCount != 1 || report.FailCount != 0 {
		t.Fatalf("total=%d success=%d fail=%d, want 1/1/0", report.TotalRows, report.SuccessCount, report.FailCount)
	}
	if len(report.Errors) != 0 {
		t.Errorf("Errors = %v, want none for a stream failure", report.Errors)
	}
	if !strings.Contains(report.Message, "connection reset") {
		t.Errorf("Message = %q, want the stream failure reported", report.Message)
	}
}

func TestImportCSVSchemaDispatch(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		columns  int
		wantKind string
		wantErr  bool
	}{
		{1, "", true},
		{2, "sensor", false},
		{3, "", true},
		{9, "weather", false},
		{10, "", true},
	}
	for _, tc := range cases {
		svc, _ := newTestService(t)
		header := strings.Join(make([]string, tc.columns), "c,") + "c"
		report := svc.ImportCSV(ctx, strings.NewReader(header+"\n"))
		if tc.wantErr {
			if report.Status != model.ImportStatusError {
				t.Errorf("%d columns: status = %q, want error", tc.columns, report.Status)
			}
			continue
		}
		if report.Status != model.ImportStatusCompleted || report.Kind != tc.wantKind {
			t.Errorf("%d columns: status=%q kind=%q, want completed/%q", tc.columns, report.Status, report.Kind, tc.wantKind)
		}
	}
}

func TestImportCSVWeatherRowIsolation(t *testing.T) {
	svc, m := newTestService(t)

	var b strings.Builder
	b.WriteString("ts,in_t,out_t,in_h,out_h,wind,dir,rain,rate\n")
	for i := 0; i < 5; i++ {
		wind := "3.4"
		if i == 2 {
			wind = "gusty" // not a number
		}
		fmt.Fprintf(&b, "%d,21.0,8.5,45,80,%s,NW,0.0,0.0\n", 1730288880+3600*i, wind)
	}

	report := svc.ImportCSV(context.Background(), strings.NewReader(b.String()))
	if report.SuccessCount != 4 || report.FailCount != 1 {
		t.Fatalf("success=%d fail=%d, want 4/1 (%v)", report.SuccessCount, report.FailCount, report.Errors)
	}
	if report.Status != model.ImportStatusCompleted {
		t.Errorf("status = %q, want completed despite one bad row", report.Status)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "wind_speed") {
		t.Errorf("Errors = %v, want one wind_speed sample", report.Errors)
	}
	if m.WeatherReadingCount() != 4 {
		t.Errorf("stored rows = %d, want 4", m.WeatherReadingCount())
	}
}

func TestImportCSVErrorSampleCap(t *testing.T) {
	svc, _ := newTestService(t)

	var b strings.Builder
	b.WriteString("moisture,timestamp\n")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "%d,not-a-timestamp\n", i)
	}

	report := svc.ImportCSV(context.Background(), strings.NewReader(b.String()))
	if report.FailCount != 8 {
		t.Errorf("FailCount = %d, want 8", report.FailCount)
	}
	if len(report.Errors) != model.MaxImportErrors {
		t.Errorf("len(Errors) = %d, want %d", len(report.Errors), model.MaxImportErrors)
	}
	if report.Status != model.ImportStatusError {
		t.Errorf("status = %q, want error when nothing imported", report.Status)
	}
}

func TestImportCSVSemicolonAndBOM(t *testing.T) {
	svc, m := newTestService(t)

	content := "\xEF\xBB\xBFmoisture;timestamp\n41.5;1730288880\n42.0;1730288940\n"
	report := svc.ImportCSV(context.Background(), strings.NewReader(content))
	if report.SuccessCount != 2 || report.FailCount != 0 {
		t.Fatalf("success=%d fail=%d, want 2/0 (%v)", report.SuccessCount, report.FailCount, report.Errors)
	}
	if m.SensorReadingCount() != 2 {
		t.Errorf("stored rows = %d, want 2", m.SensorReadingCount())
	}
}

func TestUpsertSensorInvalidTimestamp(t *testing.T) {
	svc, m := newTestService(t)

	if _, err := svc.UpsertSensor(context.Background(), math.NaN(), 40); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("err = %v, want ErrInvalidTimestamp", err)
	}
	if m.SensorReadingCount() != 0 {
		t.Errorf("a reading was stored for an invalid timestamp")
	}
}

func TestUpsertBothStreamsLinksInstant(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	sensorID, err := svc.UpsertSensor(ctx, 1730288880, 41.5)
	if err != nil {
		t.Fatalf("UpsertSensor: %v", err)
	}
	weatherID, err := svc.UpsertWeather(ctx, 1730288880, model.WeatherFields{OutTemperature: 8.5})
	if err != nil {
		t.Fatalf("UpsertWeather: %v", err)
	}

	link, err := m.GetCrossLink(ctx, 1730288880)
	if err != nil {
		t.Fatalf("GetCrossLink: %v", err)
	}
	if link.SensorReadingID == nil || *link.SensorReadingID != sensorID {
		t.Errorf("SensorReadingID = %v, want %d", link.SensorReadingID, sensorID)
	}
	if link.WeatherReadingID == nil || *link.WeatherReadingID != weatherID {
		t.Errorf("WeatherReadingID = %v, want %d", link.WeatherReadingID, weatherID)
	}
}

func TestStoreAudioReplacesSameInstant(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	src := t.TempDir()
	firstPath := filepath.Join(src, "a_20251030_114800.wav")
	secondPath := filepath.Join(src, "b_20251030_114800.wav")
	writeTestWAV(t, firstPath, 1)
	writeTestWAV(t, secondPath, 2)

	upload := func(path string) *model.AudioRecording {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer f.Close()
		rec, err := svc.StoreAudio(ctx, filepath.Base(path), f)
		if err != nil {
			t.Fatalf("StoreAudio(%s): %v", path, err)
		}
		return rec
	}

	first := upload(firstPath)
	second := upload(secondPath)

	if m.AudioRecordingCount() != 1 {
		t.Fatalf("recording count = %d, want 1", m.AudioRecordingCount())
	}
	if second.ID != first.ID {
		t.Errorf("replacement created a new row: %d then %d", first.ID, second.ID)
	}
	if got := second.Duration(); got != 2 {
		t.Errorf("Duration = %d, want the replacing clip's 2", got)
	}
	if _, err := os.Stat(first.FilePath); !os.IsNotExist(err) {
		t.Errorf("superseded file %s still exists", first.FilePath)
	}
	if _, err := os.Stat(second.FilePath); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
}

func TestStoreAudioRejectsExtensionAndName(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	if _, err := svc.StoreAudio(ctx, "notes_20251030_114800.txt", strings.NewReader("x")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("txt upload err = %v, want ErrUnsupportedFormat", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "untimed.wav")
	writeTestWAV(t, path, 1)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := svc.StoreAudio(ctx, "untimed.wav", f); err == nil {
		t.Error("upload without a filename timestamp succeeded")
	}

	if m.AudioRecordingCount() != 0 {
		t.Errorf("rejected uploads left %d rows", m.AudioRecordingCount())
	}
}

func TestScanAudioDirectory(t *testing.T) {
	svc, m := newTestService(t)

	writeTestWAV(t, filepath.Join(svc.audioDir, "good_20251030_114800.wav"), 1)
	writeTestWAV(t, filepath.Join(svc.audioDir, "unnamed.wav"), 1)
	// A staged upload must not be registered by a concurrent scan.
	writeTestWAV(t, filepath.Join(svc.audioDir, ".upload-abc-staged_20251030_120000.wav"), 1)
	if err := os.WriteFile(filepath.Join(svc.audioDir, "readme.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	results, err := svc.ScanAudioDirectory(context.Background())
	if err != nil {
		t.Fatalf("ScanAudioDirectory: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d entries, want 2 (txt and staged files excluded): %+v", len(results), results)
	}
	byFile := map[string]ScanEntry{}
	for _, r := range results {
		byFile[r.File] = r
	}
	if e := byFile["good_20251030_114800.wav"]; e.Status != "stored" || e.ID == 0 {
		t.Errorf("good file entry = %+v", e)
	}
	if e := byFile["unnamed.wav"]; e.Status != "skipped" || e.Error == "" {
		t.Errorf("unnamed file entry = %+v", e)
	}
	if m.AudioRecordingCount() != 1 {
		t.Errorf("recording count = %d, want 1", m.AudioRecordingCount())
	}
}
