package event

import (
	"fmt"
	"time"

	"github.com/valyala/fastjson"
)

// DecodeError marks a message that cannot be parsed into an envelope.
// Decode failures are structural: retrying the same bytes will not help.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

// Envelope is the decoded form of one raw message. It is constructed once
// per message and never mutated. Optional payload fields are read through
// the accessor methods, which return zero values when a field is absent.
type Envelope struct {
	Type      string
	ID        string
	Timestamp time.Time

	payload *fastjson.Value
}

// Decode validates and decodes a raw message. It fails only on malformed
// JSON or a missing eventType/eventId; every other field is optional.
func Decode(raw []byte) (*Envelope, error) {
	v, err := fastjson.ParseBytes(raw)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	eventType := string(v.GetStringBytes("type"))
	if eventType == "" {
		// Some producers use the long form.
		eventType = string(v.GetStringBytes("eventType"))
	}
	if eventType == "" {
		return nil, &DecodeError{Reason: "missing event type"}
	}

	eventID := string(v.GetStringBytes("eventId"))
	if eventID == "" {
		return nil, &DecodeError{Reason: "missing eventId"}
	}

	ts := time.Now()
	if ms := v.GetInt64("timestamp"); ms > 0 {
		ts = time.UnixMilli(ms)
	}

	return &Envelope{
		Type:      eventType,
		ID:        eventID,
		Timestamp: ts,
		payload:   v,
	}, nil
}

// String reads a string field, or def when absent or not a string.
func (e *Envelope) String(field, def string) string {
	if e.payload == nil {
		return def
	}
	b := e.payload.GetStringBytes(field)
	if b == nil {
		return def
	}
	return string(b)
}

// Int reads an integer field, or def when absent.
func (e *Envelope) Int(field string, def int64) int64 {
	if e.payload == nil || !e.payload.Exists(field) {
		return def
	}
	v := e.payload.Get(field)
	if v.Type() != fastjson.TypeNumber {
		return def
	}
	return v.GetInt64()
}

// Float reads a numeric field, or def when absent.
func (e *Envelope) Float(field string, def float64) float64 {
	if e.payload == nil || !e.payload.Exists(field) {
		return def
	}
	v := e.payload.Get(field)
	if v.Type() != fastjson.TypeNumber {
		return def
	}
	return v.GetFloat64()
}

// Bool reads a boolean field, or def when absent.
func (e *Envelope) Bool(field string, def bool) bool {
	if e.payload == nil || !e.payload.Exists(field) {
		return def
	}
	v := e.payload.Get(field)
	if v.Type() != fastjson.TypeTrue && v.Type() != fastjson.TypeFalse {
		return def
	}
	return v.GetBool()
}

// Strings reads an array of strings, or nil when absent.
func (e *Envelope) Strings(field string) []string {
	if e.payload == nil {
		return nil
	}
	arr := e.payload.GetArray(field)
	if arr == nil {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if b, err := item.StringBytes(); err == nil {
			out = append(out, string(b))
		}
	}
	return out
}
