package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	tests := []string{"test", "alert", "node", ""}

	for _, prefix := range tests {
		t.Run(prefix, func(t *testing.T) {
			id := GenerateID(prefix)

			if prefix != "" && !strings.HasPrefix(id, prefix+"-") {
				t.Errorf("GenerateID(%q) = %q, should start with %q-", prefix, id, prefix)
			}
			if id == "" {
				t.Error("GenerateID() returned empty string")
			}
		})
	}

	id1 := GenerateID("test")
	id2 := GenerateID("test")
	if id1 == id2 {
		t.Error("GenerateID() returned duplicate IDs")
	}
}

func TestWriteJSONResponse(t *testing.T) {
	tests := []struct {
		name     string
		data     interface{}
		expected string
	}{
		{"simple object", map[string]string{"key": "value"}, `{"key":"value"}`},
		{"array", []int{1, 2, 3}, `[1,2,3]`},
		{"nested object", map[string]interface{}{"outer": map[string]int{"inner": 42}}, `{"outer":{"inner":42}}`},
		{"empty object", map[string]string{}, `{}`},
		{"null", nil, `null`},
		{"struct", struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}{Name: "test", Count: 5}, `{"name":"test","count":5}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			if err := WriteJSONResponse(w, tc.data); err != nil {
				t.Fatalf("WriteJSONResponse() error: %v", err)
			}

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}
			if body := w.Body.String(); body != tc.expected {
				t.Errorf("Body = %q, want %q", body, tc.expected)
			}
		})
	}
}

func TestWriteJSONResponseInvalidData(t *testing.T) {
	w := httptest.NewRecorder()

	ch := make(chan int)
	if err := WriteJSONResponse(w, ch); err == nil {
		t.Error("WriteJSONResponse() should fail on unmarshalable data")
	}
}

func TestWriteJSONResponseStatusCode(t *testing.T) {
	w := httptest.NewRecorder()
	w.WriteHeader(http.StatusCreated)

	if err := WriteJSONResponse(w, map[string]string{"status": "created"}); err != nil {
		t.Fatalf("WriteJSONResponse() error: %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestWriteJSONResponseLargePayload(t *testing.T) {
	w := httptest.NewRecorder()

	data := make([]map[string]interface{}, 1000)
	for i := 0; i < 1000; i++ {
		data[i] = map[string]interface{}{"index": i, "name": strings.Repeat("x", 100)}
	}

	if err := WriteJSONResponse(w, data); err != nil {
		t.Fatalf("WriteJSONResponse() error on large payload: %v", err)
	}

	var decoded []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Errorf("response is not valid JSON: %v", err)
	}
	if len(decoded) != 1000 {
		t.Errorf("decoded length = %d, want 1000", len(decoded))
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true}, {"TRUE", true}, {"True", true},
		{"1", true}, {"yes", true}, {"YES", true}, {"Yes", true},
		{"y", true}, {"Y", true}, {"on", true}, {"ON", true}, {"On", true},
		{"false", false}, {"FALSE", false}, {"0", false},
		{"no", false}, {"n", false}, {"off", false}, {"", false},
		{"random", false}, {"2", false},
		{" true ", true}, {" false ", false}, {"\ttrue\n", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseBool(tc.input); got != tc.expected {
				t.Errorf("ParseBool(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestGetenvTrim(t *testing.T) {
	const key = "TEST_GETENVTRIM_VAR"

	tests := []struct {
		name     string
		value    string
		expected string
	}{
		{"no whitespace", "value", "value"},
		{"leading space", " value", "value"},
		{"trailing space", "value ", "value"},
		{"both sides", " value ", "value"},
		{"tabs", "\tvalue\t", "value"},
		{"newlines", "\nvalue\n", "value"},
		{"empty", "", ""},
		{"only whitespace", "   ", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			os.Setenv(key, tc.value)
			defer os.Unsetenv(key)

			if got := GetenvTrim(key); got != tc.expected {
				t.Errorf("GetenvTrim(%q) with value %q = %q, want %q", key, tc.value, got, tc.expected)
			}
		})
	}

	os.Unsetenv(key)
	if got := GetenvTrim(key); got != "" {
		t.Errorf("GetenvTrim() for unset var = %q, want empty string", got)
	}
}

func TestGetDataDir(t *testing.T) {
	const envKey = "TOKENWATCH_DATA_DIR"
	original, had := os.LookupEnv(envKey)
	defer func() {
		if had {
			os.Setenv(envKey, original)
		} else {
			os.Unsetenv(envKey)
		}
	}()

	os.Setenv(envKey, "/custom/data/dir")
	if got := GetDataDir(); got != "/custom/data/dir" {
		t.Errorf("GetDataDir() with env = %q, want /custom/data/dir", got)
	}

	os.Unsetenv(envKey)
	if got := GetDataDir(); got != defaultDataDir {
		t.Errorf("GetDataDir() without env = %q, want %q", got, defaultDataDir)
	}

	os.Setenv(envKey, "")
	if got := GetDataDir(); got != defaultDataDir {
		t.Errorf("GetDataDir() with empty env = %q, want %q", got, defaultDataDir)
	}
}
