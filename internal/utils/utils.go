package utils

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns an opaque identifier of the form "<prefix>-<uuid>". An
// empty prefix yields a bare uuid.
func GenerateID(prefix string) string {
	id := uuid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// WriteJSONResponse marshals data as compact JSON, sets the
// Content-Type header, and writes it to w. It does not set a status code,
// so callers that want one other than the ResponseWriter's default should
// call w.WriteHeader before invoking this.
func WriteJSONResponse(w http.ResponseWriter, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(body)
	return err
}

// ParseBool interprets common truthy/falsy string spellings, trimming
// surrounding whitespace first. Anything it doesn't recognize is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// GetenvTrim returns the named environment variable with leading and
// trailing whitespace removed.
func GetenvTrim(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// defaultDataDir is used when TOKENWATCH_DATA_DIR is unset or empty; a
// project-local state directory rather than a system path.
const defaultDataDir = "./.tokenwatch"

// GetDataDir returns the data directory from TOKENWATCH_DATA_DIR, or
// defaultDataDir when that is unset or empty.
func GetDataDir() string {
	if dir := GetenvTrim("TOKENWATCH_DATA_DIR"); dir != "" {
		return dir
	}
	return defaultDataDir
}
