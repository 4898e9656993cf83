package frame

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidateRejectsMissingIdentifiers(t *testing.T) {
	now := time.Now()
	e := Event{Timestamp: now}
	if err := e.Validate(now); err == nil {
		t.Fatalf("expected error for missing frame_id/camera_id")
	}
}

func TestValidateRejectsFutureTimestampBeyondSkew(t *testing.T) {
	now := time.Now()
	e := Event{FrameID: "t1_c1_1", CameraID: "c1", Timestamp: now.Add(time.Hour)}
	if err := e.Validate(now); err == nil {
		t.Fatalf("expected error for far-future timestamp")
	}
}

func TestValidateAllowsSmallClockSkew(t *testing.T) {
	now := time.Now()
	e := Event{FrameID: "t1_c1_1", CameraID: "c1", Timestamp: now.Add(2 * time.Second)}
	if err := e.Validate(now); err != nil {
		t.Fatalf("expected small skew to be tolerated, got %v", err)
	}
}

func TestValidateRejectsUppercaseTraceContextKeys(t *testing.T) {
	now := time.Now()
	e := Event{
		FrameID:      "t1_c1_1",
		CameraID:     "c1",
		Timestamp:    now,
		TraceContext: map[string]string{"Traceparent": "00-..."},
	}
	if err := e.Validate(now); err == nil {
		t.Fatalf("expected error for non-lowercase trace context key")
	}
}

func TestRequiredCapabilitiesSplitsDetectionHint(t *testing.T) {
	e := Event{Metadata: Metadata{DetectionHint: "face, object ,ocr"}}
	got := e.RequiredCapabilities()
	want := []string{"face", "object", "ocr"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRequiredCapabilitiesEmptyMeansBroadcast(t *testing.T) {
	e := Event{}
	if got := e.RequiredCapabilities(); got != nil {
		t.Fatalf("expected nil capability set for broadcast, got %v", got)
	}
}

func TestFieldsAndParseFieldsRoundTrip(t *testing.T) {
	original := Event{
		FrameID:      "1700000000000_cam1_42",
		CameraID:     "cam1",
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SizeBytes:    4096,
		Width:        1920,
		Height:       1080,
		Format:       "jpeg",
		ContentRef:   "s3://bucket/key",
		TraceContext: map[string]string{"traceparent": "00-abc-def-01"},
		Metadata:     Metadata{DetectionHint: "face,object", Priority: 7},
	}

	fields, err := original.Fields()
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}

	roundTripped, err := ParseFields(fields)
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}

	if roundTripped.FrameID != original.FrameID {
		t.Fatalf("frame_id mismatch: got %q", roundTripped.FrameID)
	}
	if roundTripped.CameraID != original.CameraID {
		t.Fatalf("camera_id mismatch: got %q", roundTripped.CameraID)
	}
	if !roundTripped.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", roundTripped.Timestamp, original.Timestamp)
	}
	if roundTripped.SizeBytes != original.SizeBytes || roundTripped.Width != original.Width || roundTripped.Height != original.Height {
		t.Fatalf("scalar fields mismatch: got %+v", roundTripped)
	}
	if roundTripped.ContentRef != original.ContentRef {
		t.Fatalf("content_ref mismatch: got %q", roundTripped.ContentRef)
	}
	if roundTripped.TraceContext["traceparent"] != "00-abc-def-01" {
		t.Fatalf("trace_context mismatch: got %v", roundTripped.TraceContext)
	}
	if roundTripped.Metadata.DetectionHint != "face,object" || roundTripped.Metadata.Priority != 7 {
		t.Fatalf("metadata mismatch: got %+v", roundTripped.Metadata)
	}
}

func TestParseFieldsDefaultsPriority(t *testing.T) {
	e, err := ParseFields(map[string]string{
		"frame_id":  "t1_c1_1",
		"camera_id": "c1",
	})
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	if e.Metadata.Priority != DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", DefaultPriority, e.Metadata.Priority)
	}
}

func TestParseFieldsPreservesUnknownMetadataKeys(t *testing.T) {
	raw := `{"detection_hint":"face","priority":3,"custom_key":"custom_value"}`
	e, err := ParseFields(map[string]string{
		"frame_id":  "t1_c1_1",
		"camera_id": "c1",
		"metadata":  raw,
	})
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(e.Metadata.Raw, &decoded); err != nil {
		t.Fatalf("failed to decode preserved raw metadata: %v", err)
	}
	if decoded["custom_key"] != "custom_value" {
		t.Fatalf("expected custom_key to survive, got %v", decoded)
	}

	fields, err := e.Fields()
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	var reencoded map[string]any
	if err := json.Unmarshal([]byte(fields["metadata"]), &reencoded); err != nil {
		t.Fatalf("failed to decode re-encoded metadata: %v", err)
	}
	if reencoded["custom_key"] != "custom_value" {
		t.Fatalf("expected custom_key to survive re-encoding, got %v", reencoded)
	}
}
