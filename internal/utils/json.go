package utils

import (
	"encoding/json"
	"log/slog"
)

// SafeJSONParse parses JSON safely. Empty input leaves v untouched.
func SafeJSONParse(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// LogError logs an error if it's not nil
func LogError(err error, context string) {
	if err != nil {
		slog.Default().Error("operation failed", "context", context, "error", err)
	}
}
