package finalize

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callsight/callsight/internal/analyze"
	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/storage"
)

// fakeAnalyzer returns a canned result and records what it was given.
type fakeAnalyzer struct {
	calls     atomic.Int64
	recording []byte
	fail      bool
}

func (a *fakeAnalyzer) Analyze(_ context.Context, recording io.Reader, callerName, agentName string) (*analyze.Result, error) {
	a.calls.Add(1)
	if a.fail {
		return nil, io.ErrUnexpectedEOF
	}
	data, err := io.ReadAll(recording)
	if err != nil {
		return nil, err
	}
	a.recording = data
	return &analyze.Result{
		Summary: "caller asked about an invoice",
		Mood:    models.MoodNeutral,
		Utterances: []analyze.Utterance{
			{Speaker: callerName, Text: "hi, about invoice 42", Mood: models.MoodNeutral, StartMS: 0, EndMS: 2100},
			{Speaker: agentName, Text: "let me check", Mood: models.MoodPositive, StartMS: 2300, EndMS: 3400},
		},
	}, nil
}

type testEnv struct {
	fin      *Finalizer
	analyzer *fakeAnalyzer
	users    database.UserRepository
	convs    database.ConversationRepository
	docs     database.DocumentRepository
	blobs    *storage.FileStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := database.NewUserRepository(db)
	for _, u := range []struct{ username, ext string }{
		{"alice", "1000"},
		{"bob", "2001"},
	} {
		err := users.Create(context.Background(), &models.User{
			Username:     u.username,
			Email:        u.username + "@example.com",
			PasswordHash: "x",
			Role:         models.RoleAgent,
			Extension:    u.ext,
		})
		if err != nil {
			t.Fatalf("seed user %s: %v", u.username, err)
		}
	}

	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	analyzer := &fakeAnalyzer{}
	convs := database.NewConversationRepository(db)
	docs := database.NewDocumentRepository(db)
	met := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fin := New(Config{ARIUsername: "ari", ARIPassword: "secret"},
		users, convs, docs, blobs, analyzer, met, logger)

	return &testEnv{fin: fin, analyzer: analyzer, users: users, convs: convs, docs: docs, blobs: blobs}
}

// recordingServer serves a fixed wav payload and captures the basic-auth
// header it received.
func recordingServer(t *testing.T, payload []byte, gotAuth *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		gotAuth.Store(user + ":" + pass)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessPersistsConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload := []byte("RIFFfakewav")
	var gotAuth atomic.Value
	srv := recordingServer(t, payload, &gotAuth)

	job := Job{
		CallID:            "call-1",
		CallerExtension:   "1000",
		AgentExtension:    "2001",
		RecordingName:     "call-1",
		RecordingURL:      srv.URL + "/ari/recordings/stored/call-1/file",
		RecordingFinished: true,
	}
	if err := env.fin.process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if auth := gotAuth.Load(); auth != "ari:secret" {
		t.Errorf("recording fetched with auth %v", auth)
	}
	if string(env.analyzer.recording) != string(payload) {
		t.Error("analyzer did not receive the downloaded recording")
	}

	// The recording was archived under <call id>.wav.
	blob, err := env.blobs.Open(ctx, "call-1.wav")
	if err != nil {
		t.Fatalf("archived blob: %v", err)
	}
	blob.Close()
	docs, err := env.docs.List(ctx)
	if err != nil || len(docs) != 1 {
		t.Fatalf("documents = %v (%v)", docs, err)
	}
	if docs[0].ContentType != "audio/wav" || docs[0].Size != int64(len(payload)) {
		t.Errorf("document = %+v", docs[0])
	}

	convs, err := env.convs.List(ctx)
	if err != nil || len(convs) != 1 {
		t.Fatalf("conversations = %v (%v)", convs, err)
	}
	conv := convs[0]
	if conv.Summary != "caller asked about an invoice" || conv.Mood != models.MoodNeutral {
		t.Errorf("conversation = %+v", conv)
	}

	msgs, err := env.convs.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Speaker != "alice" || msgs[0].Ord != 0 {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Speaker != "bob" || msgs[1].EndMS != 3400 {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestProcessUnknownExtension(t *testing.T) {
	env := newTestEnv(t)

	job := Job{
		CallID:          "call-2",
		CallerExtension: "9999", // nobody owns it
		AgentExtension:  "2001",
	}
	if err := env.fin.process(context.Background(), job); err == nil {
		t.Fatal("process succeeded with unknown caller extension")
	}
	if n := env.analyzer.calls.Load(); n != 0 {
		t.Errorf("analyzer called %d times before participants resolved", n)
	}
}

func TestProcessDownloadFailure(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	job := Job{
		CallID:          "call-3",
		CallerExtension: "1000",
		AgentExtension:  "2001",
		RecordingName:   "call-3",
		RecordingURL:    srv.URL + "/ari/recordings/stored/call-3/file",
	}
	if err := env.fin.process(context.Background(), job); err == nil {
		t.Fatal("process succeeded despite 404 recording")
	}
	if docs, _ := env.docs.List(context.Background()); len(docs) != 0 {
		t.Errorf("documents persisted for failed download: %d", len(docs))
	}
}

func TestRunAnalyzesRecordingFinishedAfterTeardown(t *testing.T) {
	env := newTestEnv(t)

	// The bridge can be destroyed before the PBX confirms the stored
	// recording. The file shows up shortly after; the first fetch 404s,
	// the retry succeeds.
	payload := []byte("RIFFfakewav")
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "not yet stored", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	env.fin.run(context.Background(), Job{
		CallID:            "call-4",
		CallerExtension:   "1000",
		AgentExtension:    "2001",
		RecordingName:     "call-4",
		RecordingURL:      srv.URL + "/ari/recordings/stored/call-4/file",
		RecordingFinished: false,
	})

	if string(env.analyzer.recording) != string(payload) {
		t.Error("analyzer did not receive the late-stored recording")
	}
	convs, err := env.convs.List(context.Background())
	if err != nil || len(convs) != 1 {
		t.Fatalf("conversations = %v (%v)", convs, err)
	}
}

func TestRunSkipsRecordingThatNeverAppears(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such recording", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	env.fin.run(context.Background(), Job{
		CallID:            "call-5",
		CallerExtension:   "1000",
		AgentExtension:    "2001",
		RecordingName:     "call-5",
		RecordingURL:      srv.URL + "/ari/recordings/stored/call-5/file",
		RecordingFinished: false,
	})

	if n := env.analyzer.calls.Load(); n != 0 {
		t.Errorf("analyzer called %d times for a recording that never appeared", n)
	}
	if convs, _ := env.convs.List(context.Background()); len(convs) != 0 {
		t.Errorf("conversations persisted: %d", len(convs))
	}
}

func TestEnqueueAndWorker(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte("RIFFfakewav")
	var gotAuth atomic.Value
	srv := recordingServer(t, payload, &gotAuth)

	ctx, cancel := context.WithCancel(context.Background())
	env.fin.Start(ctx)

	env.fin.Enqueue(Job{
		CallID:            "call-5",
		CallerExtension:   "1000",
		AgentExtension:    "2001",
		RecordingName:     "call-5",
		RecordingURL:      srv.URL + "/file",
		RecordingFinished: true,
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if convs, _ := env.convs.List(context.Background()); len(convs) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if convs, _ := env.convs.List(context.Background()); len(convs) != 1 {
		t.Fatal("job was not processed by the worker")
	}

	cancel()
	env.fin.Wait()
}
