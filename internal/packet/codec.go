package packet

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeErrorKind classifies why decode rejected a frame.
type DecodeErrorKind string

const (
	MissingField  DecodeErrorKind = "missing_field"
	TypeMismatch  DecodeErrorKind = "type_mismatch"
	TraceInvalid  DecodeErrorKind = "trace_invalid"
	TtlOutOfRange DecodeErrorKind = "ttl_out_of_range"
)

// DecodeError is returned for every decode failure except timestamp skew,
// which the decoder accepts and merely flags.
type DecodeError struct {
	Kind   DecodeErrorKind
	Field  string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("packet decode: %s (%s): %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("packet decode: %s (%s)", e.Kind, e.Field)
}

// wireFields is the exact wire schema: keys are normative and must not
// be renamed.
type wireFields struct {
	ID           *string          `json:"id"`
	OriginatorID *string          `json:"originatorId"`
	Payload      *string          `json:"payload"`
	Trace        *json.RawMessage `json:"trace"`
	TTL          *json.RawMessage `json:"ttl"`
	Timestamp    *json.RawMessage `json:"timestamp"`
	Priority     *json.RawMessage `json:"priority"`
	PacketType   *string          `json:"packetType"`
}

// DecodeResult carries the decoded packet plus any non-fatal flags raised
// while decoding.
type DecodeResult struct {
	Packet        MeshPacket
	TimestampSkew bool
}

// Encode serializes p to the wire schema. Field order is not significant
// for JSON but trace order and numeric types are preserved.
func Encode(p MeshPacket) ([]byte, error) {
	out := struct {
		ID           string   `json:"id"`
		OriginatorID string   `json:"originatorId"`
		Payload      string   `json:"payload"`
		Trace        []string `json:"trace"`
		TTL          int      `json:"ttl"`
		Timestamp    int64    `json:"timestamp"`
		Priority     int      `json:"priority"`
		PacketType   string   `json:"packetType"`
	}{
		ID:           p.id,
		OriginatorID: p.originatorID,
		Payload:      p.payload,
		Trace:        p.Trace(),
		TTL:          p.ttl,
		Timestamp:    p.timestampMs,
		Priority:     int(p.priority),
		PacketType:   string(p.packetType),
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("packet encode: %w", err)
	}
	return b, nil
}

// Decode parses bytes into a packet, enforcing the schema rules.
// Everything except timestamp skew is fatal; timestamp skew is reported
// via DecodeResult.TimestampSkew with err == nil.
func Decode(data []byte) (DecodeResult, error) {
	var w wireFields
	if err := json.Unmarshal(data, &w); err != nil {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "<root>", Detail: err.Error()}
	}

	if w.ID == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "id"}
	}
	if w.OriginatorID == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "originatorId"}
	}
	if w.Payload == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "payload"}
	}
	if w.Trace == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "trace"}
	}
	if w.TTL == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "ttl"}
	}
	if w.Timestamp == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "timestamp"}
	}
	if w.Priority == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "priority"}
	}
	if w.PacketType == nil {
		return DecodeResult{}, &DecodeError{Kind: MissingField, Field: "packetType"}
	}

	var trace []string
	if err := json.Unmarshal(*w.Trace, &trace); err != nil {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "trace", Detail: err.Error()}
	}

	var ttl int
	if err := json.Unmarshal(*w.TTL, &ttl); err != nil {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "ttl", Detail: err.Error()}
	}

	var ts int64
	if err := json.Unmarshal(*w.Timestamp, &ts); err != nil {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "timestamp", Detail: err.Error()}
	}

	var priorityInt int
	if err := json.Unmarshal(*w.Priority, &priorityInt); err != nil {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "priority", Detail: err.Error()}
	}
	priority := Priority(priorityInt)
	if !priority.Valid() {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "priority", Detail: "out of range"}
	}

	pt := PacketType(*w.PacketType)
	if !pt.Valid() {
		return DecodeResult{}, &DecodeError{Kind: TypeMismatch, Field: "packetType", Detail: "unrecognized packet type"}
	}

	if len(trace) == 0 || trace[0] != *w.OriginatorID {
		return DecodeResult{}, &DecodeError{Kind: TraceInvalid, Field: "trace"}
	}
	seen := make(map[string]struct{}, len(trace))
	for _, id := range trace {
		if _, dup := seen[id]; dup {
			return DecodeResult{}, &DecodeError{Kind: TraceInvalid, Field: "trace", Detail: "duplicate node id"}
		}
		seen[id] = struct{}{}
	}

	if ttl < 0 || ttl > MaxTTL {
		return DecodeResult{}, &DecodeError{Kind: TtlOutOfRange, Field: "ttl"}
	}

	p := newRaw(*w.ID, *w.OriginatorID, pt, priority, *w.Payload, trace, ttl, ts)

	return DecodeResult{
		Packet:        p,
		TimestampSkew: isTimestampSkewed(ts, time.Now()),
	}, nil
}
