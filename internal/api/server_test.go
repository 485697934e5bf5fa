package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vigia-iot/vigia/internal/livebus"
	"github.com/vigia-iot/vigia/internal/types"
	"github.com/vigia-iot/vigia/internal/vision"
)

type fakeReportStore struct {
	metrics   types.AggregateMetrics
	locations []types.TagLocation
	err       error
}

func (f *fakeReportStore) Metrics(ctx context.Context) (types.AggregateMetrics, error) {
	return f.metrics, f.err
}

func (f *fakeReportStore) LastLocations(ctx context.Context) ([]types.TagLocation, error) {
	return f.locations, f.err
}

type fakeCommandSender struct {
	device string
	cmd    string
	err    error
}

func (f *fakeCommandSender) Send(ctx context.Context, device, cmd string) (types.Command, error) {
	f.device = device
	f.cmd = cmd
	if f.err != nil {
		return types.Command{}, f.err
	}
	return types.Command{
		TsServer: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Device:   device,
		Cmd:      cmd,
	}, nil
}

type fakeDetectionService struct {
	gotImage      []byte
	gotConfidence float64
	result        vision.Detection
	err           error
}

func (f *fakeDetectionService) Detect(ctx context.Context, img []byte, confidence float64) (vision.Detection, error) {
	f.gotImage = img
	f.gotConfidence = confidence
	return f.result, f.err
}

func newTestServer(t *testing.T) (*Server, *fakeReportStore, *fakeCommandSender, *fakeDetectionService, *livebus.Bus) {
	t.Helper()
	store := &fakeReportStore{}
	sender := &fakeCommandSender{}
	detections := &fakeDetectionService{}
	bus := livebus.New(8, nil)
	s := NewServer(Config{
		Store:      store,
		Bus:        bus,
		Commands:   sender,
		Detections: detections,
		Status: func() map[string]any {
			return map[string]any{"instance_id": "test-1"}
		},
	})
	return s, store, sender, detections, bus
}

func TestHealthz(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["instance_id"] != "test-1" {
		t.Errorf("expected status snapshot merged in, got %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, store, _, _, _ := newTestServer(t)
	avg := 42.5
	store.metrics = types.AggregateMetrics{
		RFIDReads:   10,
		ZoneUpdates: 3,
		Tampers:     1,
		Vision:      7,
		AvgLatencyMS: &avg,
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["rfid_reads"] != float64(10) {
		t.Errorf("expected rfid_reads 10, got %v", body["rfid_reads"])
	}
	if body["avg_latency_ms"] != 42.5 {
		t.Errorf("expected avg_latency_ms 42.5, got %v", body["avg_latency_ms"])
	}
}

func TestMetricsEndpointStoreError(t *testing.T) {
	s, store, _, _, _ := newTestServer(t)
	store.err = errors.New("connection refused")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["kind"] != "store" {
		t.Errorf("expected kind store, got %q", body["kind"])
	}
}

func TestLocationReport(t *testing.T) {
	s, store, _, _, _ := newTestServer(t)
	store.locations = []types.TagLocation{
		{Tag: "tag-1", Gate: "gate-a", LastSeen: "2025-03-01T12:00:00Z"},
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/location", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		LastLocations []types.TagLocation `json:"last_locations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body.LastLocations) != 1 || body.LastLocations[0].Tag != "tag-1" {
		t.Errorf("unexpected report body: %+v", body)
	}
}

func TestCommandEndpoint(t *testing.T) {
	s, _, sender, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/command/gate-1/open", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sender.device != "gate-1" || sender.cmd != "open" {
		t.Errorf("expected dispatch of gate-1/open, got %s/%s", sender.device, sender.cmd)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "sent" {
		t.Errorf("expected status sent, got %v", body["status"])
	}
	if body["device"] != "gate-1" || body["cmd"] != "open" {
		t.Errorf("unexpected echo: %v", body)
	}
}

func TestCommandEndpointError(t *testing.T) {
	s, _, sender, _, _ := newTestServer(t)
	sender.err = errors.New("insert failed")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/command/gate-1/open", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileField string, file []byte) (*strings.Reader, string) {
	t.Helper()
	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, "frame.jpg")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(file); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return strings.NewReader(buf.String()), w.FormDataContentType()
}

func TestDetectEndpoint(t *testing.T) {
	s, _, _, detections, _ := newTestServer(t)
	detections.result = vision.Detection{
		Time: "2025-03-01T12:00:00Z",
		Predictions: []types.Prediction{
			{Class: "person", Confidence: 0.9, X: 10, Y: 20, Width: 30, Height: 40},
		},
	}

	body, contentType := multipartBody(t, map[string]string{"confidence": "0.7"}, "file", []byte{0x01, 0x02})
	req := httptest.NewRequest(http.MethodPost, "/vision/detect", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if detections.gotConfidence != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", detections.gotConfidence)
	}
	if len(detections.gotImage) != 2 {
		t.Errorf("expected 2 image bytes, got %d", len(detections.gotImage))
	}
	var det vision.Detection
	if err := json.Unmarshal(rec.Body.Bytes(), &det); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(det.Predictions) != 1 || det.Predictions[0].Class != "person" {
		t.Errorf("unexpected detection body: %+v", det)
	}
}

func TestDetectDefaultConfidence(t *testing.T) {
	s, _, _, detections, _ := newTestServer(t)

	body, contentType := multipartBody(t, nil, "file", []byte{0x01})
	req := httptest.NewRequest(http.MethodPost, "/vision/detect", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if detections.gotConfidence != 0.35 {
		t.Errorf("expected default confidence 0.35, got %v", detections.gotConfidence)
	}
}

func TestDetectMissingFile(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{"confidence": "0.5"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/vision/detect", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDetectInvalidConfidence(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)

	body, contentType := multipartBody(t, map[string]string{"confidence": "lots"}, "file", []byte{0x01})
	req := httptest.NewRequest(http.MethodPost, "/vision/detect", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDetectErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"image decode", fmt.Errorf("bad frame: %w", vision.ErrImageDecode), "image_decode"},
		{"backend unavailable", fmt.Errorf("infer: %w", vision.ErrBackendUnavailable), "backend_unavailable"},
		{"other", errors.New("boom"), "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _, detections, _ := newTestServer(t)
			detections.err = tc.err

			body, contentType := multipartBody(t, nil, "file", []byte{0x01})
			req := httptest.NewRequest(http.MethodPost, "/vision/detect", body)
			req.Header.Set("Content-Type", contentType)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rec.Code)
			}
			var errBody map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if errBody["kind"] != tc.kind {
				t.Errorf("expected kind %q, got %q", tc.kind, errBody["kind"])
			}
		})
	}
}

func TestEventsStream(t *testing.T) {
	s, _, _, _, bus := newTestServer(t)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	// Wait for the subscriber to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	lat := int64(12)
	bus.Publish(types.LiveEvent{
		Topic:     "vigia/rfid/read",
		Payload:   json.RawMessage(`{"tag":"t-1"}`),
		TsServer:  "2025-03-01T12:00:00Z",
		LatencyMS: &lat,
	})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}

	if eventLine != "event: update" {
		t.Errorf("expected event: update, got %q", eventLine)
	}
	var ev types.LiveEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatalf("invalid event json: %v", err)
	}
	if ev.Topic != "vigia/rfid/read" {
		t.Errorf("unexpected topic %q", ev.Topic)
	}
	if ev.LatencyMS == nil || *ev.LatencyMS != 12 {
		t.Errorf("unexpected latency %v", ev.LatencyMS)
	}

	cancel()

	deadline = time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never detached after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/metrics", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
}
