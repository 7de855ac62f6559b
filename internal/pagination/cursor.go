package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is the (sort value, id) of the last row of a page.
// Value is a time.Time, float64 or string depending on the field kind.
type Cursor struct {
	Value any
	ID    int64
}

type cursorEnvelope struct {
	Value any   `json:"value"`
	ID    int64 `json:"id"`
}

// EncodeCursor serializes c as base64url JSON. Times are written as
// RFC 3339 in UTC.
func EncodeCursor(c Cursor) (string, error) {
	v := c.Value
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(cursorEnvelope{Value: v, ID: c.ID})
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by EncodeCursor and coerces its
// value to kind.
func DecodeCursor(token string, kind Kind) (*Cursor, error) {
	raw, err := decodeBase64(strings.TrimSpace(token))
	if err != nil {
		return nil, errors.New("malformed cursor")
	}

	var env struct {
		Value json.RawMessage `json:"value"`
		ID    int64           `json:"id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.New("malformed cursor")
	}
	if env.ID <= 0 || len(env.Value) == 0 {
		return nil, errors.New("malformed cursor")
	}

	var generic any
	if err := json.Unmarshal(env.Value, &generic); err != nil || generic == nil {
		return nil, errors.New("malformed cursor value")
	}

	v, err := coerce(generic, kind)
	if err != nil {
		return nil, err
	}
	return &Cursor{Value: v, ID: env.ID}, nil
}

func coerce(v any, kind Kind) (any, error) {
	switch kind {
	case KindTime:
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("cursor value is not a timestamp")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			t, err = time.Parse(time.RFC3339, s)
		}
		if err != nil {
			return nil, errors.New("cursor value is not a timestamp")
		}
		return t.UTC(), nil
	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, errors.New("cursor value is not a number")
			}
			return f, nil
		}
		return nil, errors.New("cursor value is not a number")
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(s), nil
		}
		return nil, errors.New("cursor value is not a string")
	}
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
