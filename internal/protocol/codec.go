package protocol

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Map is a decoded mapping.
type Map = map[string]interface{}

// List is a decoded sequence.
type List = []interface{}

var (
	intPattern   = regexp.MustCompile(`^-?\d+$`)
	floatPattern = regexp.MustCompile(`^-?\d+\.\d+$`)
)

// ParseError reports text that cannot be decoded into a value tree.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Reason)
}

// Encode renders a value tree in the wire text form.
//
// Supported kinds: nil, bool, string, all integer widths (unsigned values
// only up to math.MaxInt64), float32/float64,
// map[string]interface{}, map[string]string, []interface{} and []string.
// Mapping keys are written in sorted order. Floats always carry a fractional
// part so they decode back as floats.
func Encode(v interface{}) (string, error) {
	var sb strings.Builder
	if err := encodeValue(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func encodeValue(sb *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		encodeString(sb, val)
	case int:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case uint:
		return encodeUint(sb, uint64(val))
	case uint8:
		sb.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		sb.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		sb.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		return encodeUint(sb, val)
	case float32:
		return encodeFloat(sb, float64(val), 32)
	case float64:
		return encodeFloat(sb, val, 64)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeString(sb, k)
			sb.WriteByte(':')
			if err := encodeValue(sb, val[k]); err != nil {
				return fmt.Errorf("failed to encode value for key %q: %w", k, err)
			}
		}
		sb.WriteByte('}')
	case map[string]string:
		m := make(Map, len(val))
		for k, s := range val {
			m[k] = s
		}
		return encodeValue(sb, m)
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeValue(sb, item); err != nil {
				return fmt.Errorf("failed to encode index %d: %w", i, err)
			}
		}
		sb.WriteByte(']')
	case []string:
		sb.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeString(sb, s)
		}
		sb.WriteByte(']')
	default:
		return fmt.Errorf("unsupported type for encoding: %T", v)
	}
	return nil
}

// encodeUint rejects values above math.MaxInt64: integers decode as int64.
func encodeUint(sb *strings.Builder, u uint64) error {
	if u > math.MaxInt64 {
		return fmt.Errorf("integer %d overflows int64", u)
	}
	sb.WriteString(strconv.FormatUint(u, 10))
	return nil
}

func encodeFloat(sb *strings.Builder, f float64, bits int) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("cannot encode non-finite number %v", f)
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	sb.WriteString(s)
	return nil
}

// encodeString quotes s. Newlines are escaped so an encoded value never
// spans more than one frame.
func encodeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
}

// Decode parses wire text into a value tree. Leading and trailing whitespace
// is ignored.
//
// Scalars are lenient: a token starting with true, false or null decodes to
// that literal, integers and decimals decode to int64 and float64, and any
// other bare token decodes to itself as a string. Structural damage
// (unterminated strings, unbalanced brackets, empty elements) is reported as
// a *ParseError.
func Decode(s string) (interface{}, error) {
	d := &decoder{src: s}
	return d.value(0, len(s))
}

type decoder struct {
	src string
}

type span struct {
	start, end int
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// trim narrows [start, end) to exclude surrounding whitespace.
func (d *decoder) trim(start, end int) (int, int) {
	for start < end && isSpace(d.src[start]) {
		start++
	}
	for end > start && isSpace(d.src[end-1]) {
		end--
	}
	return start, end
}

func (d *decoder) value(start, end int) (interface{}, error) {
	start, end = d.trim(start, end)
	if start == end {
		return nil, &ParseError{Offset: start, Reason: "empty value"}
	}

	switch d.src[start] {
	case '{':
		if d.src[end-1] != '}' {
			return nil, &ParseError{Offset: end, Reason: "unterminated object"}
		}
		return d.object(start+1, end-1)
	case '[':
		if d.src[end-1] != ']' {
			return nil, &ParseError{Offset: end, Reason: "unterminated array"}
		}
		return d.array(start+1, end-1)
	case '"':
		return d.str(start, end)
	case '}', ']':
		return nil, &ParseError{Offset: start, Reason: fmt.Sprintf("unexpected %q", d.src[start])}
	default:
		return d.scalar(d.src[start:end]), nil
	}
}

func (d *decoder) object(start, end int) (interface{}, error) {
	result := make(Map)

	parts, err := d.split(start, end)
	if err != nil {
		return nil, err
	}

	for _, part := range parts {
		colon, err := d.memberColon(part)
		if err != nil {
			return nil, err
		}

		key, err := d.key(part.start, colon)
		if err != nil {
			return nil, err
		}

		val, err := d.value(colon+1, part.end)
		if err != nil {
			return nil, err
		}

		result[key] = val
	}

	return result, nil
}

func (d *decoder) array(start, end int) (interface{}, error) {
	parts, err := d.split(start, end)
	if err != nil {
		return nil, err
	}

	result := make(List, 0, len(parts))
	for _, part := range parts {
		val, err := d.value(part.start, part.end)
		if err != nil {
			return nil, err
		}
		result = append(result, val)
	}
	return result, nil
}

// split cuts a container body into its top-level comma separated parts.
// Commas inside strings or nested containers do not split.
func (d *decoder) split(start, end int) ([]span, error) {
	if s, e := d.trim(start, end); s == e {
		return nil, nil
	}

	var (
		parts     []span
		openers   []int
		inString  bool
		strStart  int
		partStart = start
	)

	for i := start; i < end; i++ {
		c := d.src[i]

		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			strStart = i
		case '{', '[':
			openers = append(openers, i)
		case '}', ']':
			if len(openers) == 0 || !closes(d.src[openers[len(openers)-1]], c) {
				return nil, &ParseError{Offset: i, Reason: fmt.Sprintf("unbalanced %q", c)}
			}
			openers = openers[:len(openers)-1]
		case ',':
			if len(openers) == 0 {
				parts = append(parts, span{partStart, i})
				partStart = i + 1
			}
		}
	}

	if inString {
		return nil, &ParseError{Offset: strStart, Reason: "unterminated string"}
	}
	if len(openers) > 0 {
		at := openers[len(openers)-1]
		return nil, &ParseError{Offset: at, Reason: fmt.Sprintf("unclosed %q", d.src[at])}
	}

	parts = append(parts, span{partStart, end})
	return parts, nil
}

func closes(open, close byte) bool {
	return (open == '{' && close == '}') || (open == '[' && close == ']')
}

// memberColon finds the first ':' in an object member that is not inside a
// quoted key.
func (d *decoder) memberColon(part span) (int, error) {
	inString := false
	for i := part.start; i < part.end; i++ {
		c := d.src[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ':':
			return i, nil
		}
	}

	start, end := d.trim(part.start, part.end)
	if start == end {
		return 0, &ParseError{Offset: start, Reason: "empty object member"}
	}
	return 0, &ParseError{Offset: start, Reason: "missing ':' in object member"}
}

func (d *decoder) key(start, end int) (string, error) {
	start, end = d.trim(start, end)
	if start == end {
		return "", &ParseError{Offset: start, Reason: "empty object key"}
	}
	if d.src[start] == '"' {
		return d.str(start, end)
	}
	return d.src[start:end], nil
}

// str decodes a quoted string occupying exactly [start, end).
func (d *decoder) str(start, end int) (string, error) {
	var sb strings.Builder
	for i := start + 1; i < end; i++ {
		c := d.src[i]
		switch c {
		case '\\':
			if i+1 >= end {
				return "", &ParseError{Offset: start, Reason: "unterminated string"}
			}
			i++
			switch next := d.src[i]; next {
			case '"', '\\':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(next)
			}
		case '"':
			if i != end-1 {
				return "", &ParseError{Offset: i + 1, Reason: "unexpected characters after string"}
			}
			return sb.String(), nil
		default:
			sb.WriteByte(c)
		}
	}
	return "", &ParseError{Offset: start, Reason: "unterminated string"}
}

func (d *decoder) scalar(tok string) interface{} {
	switch {
	case strings.HasPrefix(tok, "true"):
		return true
	case strings.HasPrefix(tok, "false"):
		return false
	case strings.HasPrefix(tok, "null"):
		return nil
	case intPattern.MatchString(tok):
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return n
		}
		f, _ := strconv.ParseFloat(tok, 64)
		return f
	case floatPattern.MatchString(tok):
		f, _ := strconv.ParseFloat(tok, 64)
		return f
	default:
		return tok
	}
}
