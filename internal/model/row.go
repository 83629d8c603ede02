package model

import (
	"time"

	"github.com/mnesis-ai/mnesis/internal/store"
)

// Row accessor helpers. Store rows are loosely typed; these coerce with
// zero-value fallbacks so partially populated legacy rows stay readable.

func rowString(row store.Row, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowOptString(row store.Row, key string) *string {
	if v, ok := row[key].(string); ok {
		return &v
	}
	return nil
}

func rowInt(row store.Row, key string) int {
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func rowFloat(row store.Row, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func rowBool(row store.Row, key string) bool {
	if v, ok := row[key].(bool); ok {
		return v
	}
	return false
}

func rowTime(row store.Row, key string) time.Time {
	if v, ok := row[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func rowOptTime(row store.Row, key string) *time.Time {
	if v, ok := row[key].(time.Time); ok {
		return &v
	}
	return nil
}

func rowStrings(row store.Row, key string) []string {
	if v, ok := row[key].([]string); ok {
		return v
	}
	return nil
}

func putOptText(row store.Row, key string, v *string) {
	if v != nil {
		row[key] = *v
	} else {
		row[key] = nil
	}
}

func putOptTime(row store.Row, key string, v *time.Time) {
	if v != nil {
		row[key] = *v
	} else {
		row[key] = nil
	}
}
