package docstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// cursorValue keeps the type of a cursor value across an encode/decode round
// trip; a JSON number or string alone would lose timestamps and integers.
type cursorValue struct {
	Kind  string `json:"k"`
	Value string `json:"v"`
}

// Encode returns an opaque, URL-safe token for c. The zero Cursor encodes to "".
func (c Cursor) Encode() (string, error) {
	if c.IsZero() {
		return "", nil
	}
	vals := make([]cursorValue, 0, len(c.Values))
	for _, v := range c.Values {
		switch x := v.(type) {
		case string:
			vals = append(vals, cursorValue{Kind: "s", Value: x})
		case int:
			vals = append(vals, cursorValue{Kind: "i", Value: fmt.Sprint(x)})
		case int64:
			vals = append(vals, cursorValue{Kind: "i", Value: fmt.Sprint(x)})
		case float64:
			vals = append(vals, cursorValue{Kind: "f", Value: fmt.Sprint(x)})
		case bool:
			vals = append(vals, cursorValue{Kind: "b", Value: fmt.Sprint(x)})
		case time.Time:
			vals = append(vals, cursorValue{Kind: "t", Value: x.UTC().Format(time.RFC3339Nano)})
		default:
			return "", fmt.Errorf("unsupported cursor value type %T", v)
		}
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token produced by Cursor.Encode. "" decodes to the
// zero Cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	var vals []cursorValue
	if err := json.Unmarshal(data, &vals); err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	c := Cursor{Values: make([]any, 0, len(vals))}
	for _, v := range vals {
		var (
			out any
			err error
		)
		switch v.Kind {
		case "s":
			out = v.Value
		case "i":
			var n int64
			_, err = fmt.Sscan(v.Value, &n)
			out = n
		case "f":
			var f float64
			_, err = fmt.Sscan(v.Value, &f)
			out = f
		case "b":
			out = v.Value == "true"
		case "t":
			out, err = time.Parse(time.RFC3339Nano, v.Value)
		default:
			err = fmt.Errorf("unknown kind %q", v.Kind)
		}
		if err != nil {
			return Cursor{}, fmt.Errorf("malformed cursor value: %w", err)
		}
		c.Values = append(c.Values, out)
	}
	return c, nil
}
