package pg

import (
	"encoding/json"
	"time"
)

// --- Nullable helpers ---

func nilTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// --- JSON helpers ---

func jsonOrEmpty(data json.RawMessage) []byte {
	if data == nil {
		return []byte("{}")
	}
	return data
}

func jsonOrNull(data json.RawMessage) interface{} {
	if data == nil {
		return nil
	}
	return []byte(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
