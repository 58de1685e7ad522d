package openmrs

import (
	"bytes"
	"fmt"
	"time"
)

// DateLayout is the REST API's timestamp format.
const DateLayout = "2006-01-02T15:04:05.000-0700"

// Time decodes REST timestamps, falling back to RFC 3339. JSON null and the
// empty string decode to the zero time.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		t.Time = time.Time{}
		return nil
	}
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("openmrs time: expected string, got %s", b)
	}
	raw := string(b[1 : len(b)-1])
	for _, layout := range []string{DateLayout, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("openmrs time: cannot parse %q", raw)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(DateLayout) + `"`), nil
}
