package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FrameDelimiter terminates every serialized envelope on the wire.
const FrameDelimiter = '\n'

// MaxFrameSize bounds a single frame, delimiter included.
const MaxFrameSize = 64 * 1024

// ErrMalformedEnvelope is wrapped by every shape failure from ParseEnvelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// now is swapped out in tests.
var now = time.Now

// Envelope is the unit exchanged over the wire: a message type, the sender's
// wall clock at construction and a type-dependent payload.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Data      Map         `json:"data"`
}

// Build creates an envelope stamped with the current time. A nil data map is
// replaced by an empty one.
func Build(msgType MessageType, data Map) *Envelope {
	if data == nil {
		data = Map{}
	}
	return &Envelope{
		Type:      msgType,
		Timestamp: float64(now().UnixNano()) / float64(time.Second),
		Data:      data,
	}
}

// ToMap returns the envelope as a plain mapping ready for Encode.
func (e *Envelope) ToMap() Map {
	data := e.Data
	if data == nil {
		data = Map{}
	}
	return Map{
		"type":      string(e.Type),
		"timestamp": e.Timestamp,
		"data":      data,
	}
}

// Time converts the timestamp back to a time.Time.
func (e *Envelope) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Serialize encodes the envelope as one frame: encoded text plus newline.
func Serialize(e *Envelope) ([]byte, error) {
	if e == nil || e.Type == "" {
		return nil, fmt.Errorf("cannot serialize envelope without a type")
	}

	text, err := Encode(e.ToMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", e.Type, err)
	}

	if len(text)+1 > MaxFrameSize {
		return nil, fmt.Errorf("%s envelope too large: %d bytes (max %d)", e.Type, len(text)+1, MaxFrameSize)
	}

	frame := make([]byte, 0, len(text)+1)
	frame = append(frame, text...)
	frame = append(frame, FrameDelimiter)
	return frame, nil
}

// ParseEnvelope decodes one frame (with or without its trailing newline) and
// checks its shape: a mapping with a non-empty string type, an optional
// mapping data field and an optional numeric timestamp.
func ParseEnvelope(line string) (*Envelope, error) {
	line = strings.TrimRight(line, "\r\n")

	value, err := Decode(line)
	if err != nil {
		return nil, err
	}

	m, ok := value.(Map)
	if !ok {
		return nil, fmt.Errorf("%w: expected mapping, got %T", ErrMalformedEnvelope, value)
	}

	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedEnvelope)
	}

	env := &Envelope{Type: MessageType(typ), Data: Map{}}

	switch ts := m["timestamp"].(type) {
	case nil:
	case int64:
		env.Timestamp = float64(ts)
	case float64:
		env.Timestamp = ts
	default:
		return nil, fmt.Errorf("%w: timestamp is %T, not a number", ErrMalformedEnvelope, ts)
	}

	switch data := m["data"].(type) {
	case nil:
	case Map:
		env.Data = data
	default:
		return nil, fmt.Errorf("%w: data is %T, not a mapping", ErrMalformedEnvelope, data)
	}

	return env, nil
}

// Deserialize is ParseEnvelope for callers that only care whether a frame
// was usable. Failures are logged and reported as nil.
func Deserialize(line string) *Envelope {
	env, err := ParseEnvelope(line)
	if err != nil {
		log.Warn().Err(err).Int("len", len(line)).Msg("dropping undecodable frame")
		return nil
	}
	return env
}
