package ari

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient starts an httptest server with the given handler and
// returns a client pointed at it.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		BaseURL:   srv.URL + "/ari",
		Username:  "ari",
		Password:  "secret",
		App:       "callsight",
		HTTPSHost: "pbx.example.com:8089",
	}, testLogger())
	return client, srv
}

func TestOriginate(t *testing.T) {
	var gotPath, gotEndpoint, gotChannelID string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEndpoint = r.URL.Query().Get("endpoint")
		gotChannelID = r.URL.Query().Get("channelId")
		if u, p, ok := r.BasicAuth(); !ok || u != "ari" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"ignored"}`))
	})

	channelID, err := client.Originate(context.Background(), "2001", "1001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/ari/channels" {
		t.Errorf("path = %q", gotPath)
	}
	if gotEndpoint != "PJSIP/2001" {
		t.Errorf("endpoint = %q, want PJSIP/2001", gotEndpoint)
	}
	if !strings.HasPrefix(channelID, "agent_2001_") {
		t.Errorf("channelID = %q, want agent_2001_ prefix", channelID)
	}
	if gotChannelID != channelID {
		t.Errorf("server saw channelId %q, client returned %q", gotChannelID, channelID)
	}
}

func TestOriginateFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Originate(context.Background(), "2001", "1001")
	if !errors.Is(err, ErrOriginateFailed) {
		t.Errorf("error = %v, want ErrOriginateFailed", err)
	}
}

func TestHangupNotFoundIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := client.Hangup(context.Background(), "gone"); err != nil {
		t.Errorf("hangup of missing channel should succeed, got %v", err)
	}
}

func TestCreateBridgeConflictIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	if err := client.CreateBridge(context.Background(), "call-1"); err != nil {
		t.Errorf("conflicting bridge create should succeed, got %v", err)
	}
}

func TestAddChannelsToBridge(t *testing.T) {
	var gotPath, gotChannels string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotChannels = r.URL.Query().Get("channel")
	})

	err := client.AddChannelsToBridge(context.Background(), "b1", []string{"chan-1", "chan-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/ari/bridges/b1/addChannel" {
		t.Errorf("path = %q", gotPath)
	}
	if gotChannels != "chan-1,chan-2" {
		t.Errorf("channels = %q", gotChannels)
	}
}

func TestDestroyBridgeNotFoundIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := client.DestroyBridge(context.Background(), "gone"); err != nil {
		t.Errorf("destroying a missing bridge should succeed, got %v", err)
	}
}

func TestStartRecordingQueuedIsSuccess(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"state":"queued"}`))
	})

	if err := client.StartRecording(context.Background(), "b1", "call-1"); err != nil {
		t.Fatalf("queued recording should succeed, got %v", err)
	}
	for _, want := range []string{"format=wav", "name=call-1", "beep=false"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestStopRecordingNotRecordingIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if err := client.StopRecording(context.Background(), "call-1"); err != nil {
		t.Errorf("stopping a finished recording should succeed, got %v", err)
	}
}

func TestStoredRecordingURL(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	want := "https://pbx.example.com:8089/ari/recordings/stored/call-1/file"
	if got := client.StoredRecordingURL("call-1"); got != want {
		t.Errorf("StoredRecordingURL = %q, want %q", got, want)
	}
}
