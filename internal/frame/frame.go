// Package frame defines the Frame Event value carried from ingest through
// the orchestrator to every processor queue, and its wire encoding as Redis
// stream entry fields.
package frame

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPriority is applied to a Frame Event whose metadata omits priority.
const DefaultPriority = 5

// MaxPriority is the highest priority value a Frame Event may carry.
const MaxPriority = 9

// clockSkewAllowance bounds how far into the future a frame's timestamp may
// sit before Validate rejects it as malformed.
const clockSkewAllowance = 5 * time.Second

// Metadata carries the known routing fields plus every unrecognized key, so
// a processor downstream of the orchestrator never loses information ingest
// attached that this system doesn't itself understand.
type Metadata struct {
	DetectionHint string
	Priority      int
	Raw           json.RawMessage
}

// Event is one captured video frame's metadata, as produced by the ingest
// agent and threaded through the Stream Consumer, Router, and every
// processor queue.
type Event struct {
	FrameID      string
	CameraID     string
	Timestamp    time.Time
	SizeBytes    int64
	Width        int
	Height       int
	Format       string
	ContentRef   string
	TraceContext map[string]string
	Metadata     Metadata
}

// Validate checks the invariants every Frame Event must hold: a non-empty
// frame_id and camera_id, a timestamp no further than a small clock-skew
// allowance into the future, and lower-case trace context keys.
func (e Event) Validate(now time.Time) error {
	if strings.TrimSpace(e.FrameID) == "" {
		return fmt.Errorf("frame_id is required")
	}
	if strings.TrimSpace(e.CameraID) == "" {
		return fmt.Errorf("camera_id is required")
	}
	if e.Timestamp.After(now.Add(clockSkewAllowance)) {
		return fmt.Errorf("timestamp %s is too far in the future", e.Timestamp)
	}
	for key := range e.TraceContext {
		if key != strings.ToLower(key) {
			return fmt.Errorf("trace_context key %q must be lower-case", key)
		}
	}
	if e.Metadata.Priority < 0 || e.Metadata.Priority > MaxPriority {
		return fmt.Errorf("metadata.priority %d out of range [0,%d]", e.Metadata.Priority, MaxPriority)
	}
	return nil
}

// RequiredCapabilities splits detection_hint on commas into the set of
// capabilities the Router requires a processor to advertise. An empty
// detection_hint yields an empty set, which the Router reads as
// "broadcast".
func (e Event) RequiredCapabilities() []string {
	hint := strings.TrimSpace(e.Metadata.DetectionHint)
	if hint == "" {
		return nil
	}
	parts := strings.Split(hint, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			caps = append(caps, trimmed)
		}
	}
	return caps
}

// Fields renders the event as the flat string map a Redis stream entry
// stores; the ingest stream and every per-processor work stream share this
// layout.
func (e Event) Fields() (map[string]string, error) {
	traceCtx, err := json.Marshal(e.TraceContext)
	if err != nil {
		return nil, fmt.Errorf("marshal trace_context: %w", err)
	}
	metadataJSON, err := e.metadataJSON()
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"frame_id":      e.FrameID,
		"camera_id":     e.CameraID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"size_bytes":    strconv.FormatInt(e.SizeBytes, 10),
		"width":         strconv.Itoa(e.Width),
		"height":        strconv.Itoa(e.Height),
		"format":        e.Format,
		"trace_context": string(traceCtx),
		"metadata":      string(metadataJSON),
	}
	if e.ContentRef != "" {
		fields["content_ref"] = e.ContentRef
	}
	return fields, nil
}

func (e Event) metadataJSON() ([]byte, error) {
	if len(e.Metadata.Raw) > 0 {
		merged := map[string]any{}
		if err := json.Unmarshal(e.Metadata.Raw, &merged); err != nil {
			return nil, fmt.Errorf("decode raw metadata: %w", err)
		}
		if e.Metadata.DetectionHint != "" {
			merged["detection_hint"] = e.Metadata.DetectionHint
		}
		merged["priority"] = e.Metadata.Priority
		return json.Marshal(merged)
	}
	merged := map[string]any{"priority": e.Metadata.Priority}
	if e.Metadata.DetectionHint != "" {
		merged["detection_hint"] = e.Metadata.DetectionHint
	}
	return json.Marshal(merged)
}

// ParseFields decodes a Redis stream entry's field map back into an Event.
// Unknown metadata keys are preserved in Metadata.Raw so a later hop can
// still see them even though this package only understands detection_hint
// and priority.
func ParseFields(fields map[string]string) (Event, error) {
	var e Event

	e.FrameID = fields["frame_id"]
	e.CameraID = fields["camera_id"]
	e.Format = fields["format"]
	e.ContentRef = fields["content_ref"]

	if ts := fields["timestamp"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed
	}

	if v := fields["size_bytes"]; v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("parse size_bytes %q: %w", v, err)
		}
		e.SizeBytes = parsed
	}
	if v := fields["width"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Event{}, fmt.Errorf("parse width %q: %w", v, err)
		}
		e.Width = parsed
	}
	if v := fields["height"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Event{}, fmt.Errorf("parse height %q: %w", v, err)
		}
		e.Height = parsed
	}

	if tc := fields["trace_context"]; tc != "" {
		var decoded map[string]string
		if err := json.Unmarshal([]byte(tc), &decoded); err != nil {
			return Event{}, fmt.Errorf("decode trace_context: %w", err)
		}
		e.TraceContext = decoded
	}

	metadata, err := parseMetadata(fields["metadata"])
	if err != nil {
		return Event{}, err
	}
	e.Metadata = metadata

	return e, nil
}

func parseMetadata(raw string) (Metadata, error) {
	metadata := Metadata{Priority: DefaultPriority}
	if raw == "" {
		return metadata, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}

	if hint, ok := decoded["detection_hint"].(string); ok {
		metadata.DetectionHint = hint
	}
	if priority, ok := decoded["priority"]; ok {
		switch v := priority.(type) {
		case float64:
			metadata.Priority = int(v)
		case string:
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return Metadata{}, fmt.Errorf("parse metadata.priority %q: %w", v, err)
			}
			metadata.Priority = parsed
		}
	}

	metadata.Raw = json.RawMessage(raw)
	return metadata, nil
}
