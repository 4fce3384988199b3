// Package canon implements byte-stable JSON canonicalisation and Ed25519
// signing over the canonical byte form.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/alecthomas/errors"
	"golang.org/x/text/unicode/norm"
)

// ErrFloatForbidden is returned when a value contains a floating-point
// number; canonical JSON permits integers only.
var ErrFloatForbidden = errors.New("FloatForbidden: floating-point numbers are not permitted in canonical JSON")

// Decode parses data into a tree of map[string]any / []any / string /
// bool / nil / json.Number, preserving the distinction between integer and
// float number literals so that Canonicalise can reject floats.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode json")
	}
	return v, nil
}

// Canonicalise renders v as a deterministic byte string per the rules:
// sorted object keys, NFC-normalised + escaped strings, no whitespace,
// integers only (floats fail with ErrFloatForbidden), and json.RawMessage
// fragments re-canonicalised recursively.
func Canonicalise(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		encodeString(buf, t)
		return nil
	case json.Number:
		return encodeNumber(buf, t)
	case json.RawMessage:
		nested, err := Decode(t)
		if err != nil {
			return errors.Wrap(err, "decode nested raw value")
		}
		return encode(buf, nested)
	case map[string]any:
		return encodeObject(buf, t)
	case []any:
		return encodeArray(buf, t)
	case int:
		return encodeNumber(buf, json.Number(strconv.Itoa(t)))
	case int64:
		return encodeNumber(buf, json.Number(strconv.FormatInt(t, 10)))
	case float64:
		if t == float64(int64(t)) {
			return encodeNumber(buf, json.Number(strconv.FormatInt(int64(t), 10)))
		}
		return errors.WithStack(ErrFloatForbidden)
	default:
		return errors.Errorf("canon: unsupported value type %T", v)
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := string(n)
	if strings.ContainsAny(s, ".eE") {
		return errors.WithStack(ErrFloatForbidden)
	}
	buf.WriteString(s)
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return errors.WithStack(err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, e := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, e); err != nil {
			return errors.WithStack(err)
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString normalises s to NFC and JSON-escapes it with lower-case hex
// escapes, short escapes for the defined controls, and \u00xx otherwise.
func encodeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\f':
			buf.WriteString(`\f`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else if r > 0xffff {
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
			} else if !utf8.ValidRune(r) {
				fmt.Fprintf(buf, `�`)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
