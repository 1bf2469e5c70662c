package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v", err)
	}
	return env
}

func TestWriteJSONWrapsData(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"extension": "2001"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	env := decodeEnvelope(t, w)
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	if data["extension"] != "2001" {
		t.Errorf("data = %v", data)
	}

	// The error key is omitted entirely on success.
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("success body carries an error key: %s", w.Body.String())
	}
}

func TestWriteJSONNilData(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, nil)

	env := decodeEnvelope(t, w)
	if env.Data != nil || env.Error != "" {
		t.Errorf("envelope = %+v, want empty", env)
	}
}

func TestWriteErrorWrapsMessage(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "extension is required")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	env := decodeEnvelope(t, w)
	if env.Error != "extension is required" {
		t.Errorf("error = %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("data = %v, want nil", env.Data)
	}
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Extension string `json:"extension"`
		Number    int    `json:"number"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid object", `{"extension":"2001","number":42}`, ""},
		{"empty body", ``, "request body must not be empty"},
		{"malformed", `{nope`, "malformed json"},
		{"unknown field", `{"extension":"2001","extra":true}`, `unknown field "extra"`},
		{"wrong field type", `{"number":"not a number"}`, `invalid type for field "number"`},
		{"trailing object", `{"number":1}{"number":2}`, "request body must contain a single json object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			if errMsg := readJSON(r, &dst); errMsg != tt.wantErr {
				t.Errorf("readJSON(%q) = %q, want %q", tt.body, errMsg, tt.wantErr)
			}
		})
	}
}

func TestReadJSONDecodesFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"extension":"2001","number":42}`))
	var dst struct {
		Extension string `json:"extension"`
		Number    int    `json:"number"`
	}
	if errMsg := readJSON(r, &dst); errMsg != "" {
		t.Fatalf("readJSON: %q", errMsg)
	}
	if dst.Extension != "2001" || dst.Number != 42 {
		t.Errorf("decoded = %+v", dst)
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{"defaults", "", defaultLimit, 0, ""},
		{"explicit values", "?limit=50&offset=10", 50, 10, ""},
		{"limit clamped to max", "?limit=500", maxLimit, 0, ""},
		{"zero offset accepted", "?offset=0", defaultLimit, 0, ""},
		{"non-numeric limit", "?limit=abc", 0, 0, "limit must be a positive integer"},
		{"zero limit", "?limit=0", 0, 0, "limit must be a positive integer"},
		{"negative limit", "?limit=-5", 0, 0, "limit must be a positive integer"},
		{"non-numeric offset", "?offset=abc", 0, 0, "offset must be a non-negative integer"},
		{"negative offset", "?offset=-1", 0, 0, "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/conversations"+tt.query, nil)
			p, errMsg := parsePagination(r)
			if errMsg != tt.wantErr {
				t.Fatalf("error = %q, want %q", errMsg, tt.wantErr)
			}
			if tt.wantErr != "" {
				return
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("pagination = %+v, want limit %d offset %d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestPaginatedResponseShape(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  []string{"call-1", "call-2"},
		Total:  10,
		Limit:  20,
		Offset: 0,
	})

	env := decodeEnvelope(t, w)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	if data["total"] != float64(10) || data["limit"] != float64(20) || data["offset"] != float64(0) {
		t.Errorf("page fields = %v", data)
	}
	items, ok := data["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v", data["items"])
	}
}
