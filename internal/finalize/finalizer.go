// Package finalize turns a torn-down call into a persisted, analyzed
// conversation. It runs downstream of the dispatcher: by the time a job
// arrives here the session is gone, so failures are contained and retried
// locally rather than propagated back into call processing.
package finalize

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/callsight/callsight/internal/analyze"
	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/storage"
)

// maxRecordingBytes caps recording downloads (matches the upload limit of
// the document API).
const maxRecordingBytes = 20 << 20

// maxAttempts bounds retries per job; the queue is in-memory, so a job
// that keeps failing is logged and dropped rather than blocking newer
// calls.
const maxAttempts = 3

// errRecordingNotFound marks a stored recording the PBX does not (yet)
// have. It stays retryable: bridge teardown events commonly arrive before
// the recording-finished event, so the file often appears moments later.
var errRecordingNotFound = errors.New("stored recording not found")

// Job describes one finished call awaiting analysis. RecordingFinished
// reports whether the PBX confirmed the stored recording before teardown;
// an unconfirmed recording is still fetched, the flag only decides how an
// exhausted not-found is counted.
type Job struct {
	CallID            string
	CallerExtension   string
	AgentExtension    string
	RecordingName     string
	RecordingURL      string
	RecordingFinished bool
}

// Config carries the credentials used to pull stored recordings from the
// PBX.
type Config struct {
	ARIUsername string
	ARIPassword string
	QueueSize   int
}

// Finalizer consumes Jobs from a bounded queue, resolving participants,
// archiving the recording, and persisting the analyzed conversation.
type Finalizer struct {
	cfg      Config
	users    database.UserRepository
	convs    database.ConversationRepository
	docs     database.DocumentRepository
	blobs    storage.Store
	analyzer analyze.Analyzer
	http     *http.Client
	logger   *slog.Logger
	met      *metrics.Metrics

	jobs chan Job
	done chan struct{}
}

// New creates a finalizer. Start must be called before jobs are enqueued.
func New(cfg Config, users database.UserRepository, convs database.ConversationRepository,
	docs database.DocumentRepository, blobs storage.Store, analyzer analyze.Analyzer,
	met *metrics.Metrics, logger *slog.Logger) *Finalizer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Finalizer{
		cfg:      cfg,
		users:    users,
		convs:    convs,
		docs:     docs,
		blobs:    blobs,
		analyzer: analyzer,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				// Asterisk's HTTPS listener commonly runs a self-signed
				// certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
		logger: logger,
		met:    met,
		jobs:   make(chan Job, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start runs the worker loop until ctx is cancelled.
func (f *Finalizer) Start(ctx context.Context) {
	go func() {
		defer close(f.done)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-f.jobs:
				f.run(ctx, job)
			}
		}
	}()
}

// Wait blocks until the worker loop has exited.
func (f *Finalizer) Wait() { <-f.done }

// Enqueue hands a job to the worker. When the queue is full the job is
// dropped with an error log: the session is already gone, and blocking
// here would stall the dispatcher.
func (f *Finalizer) Enqueue(job Job) {
	select {
	case f.jobs <- job:
	default:
		f.logger.Error("finalize queue full, dropping call", "call_id", job.CallID)
		f.met.Finalization("failed")
	}
}

// run processes one job under bounded retry. A recording whose finish was
// never confirmed and that never turns up across the retries is counted as
// skipped rather than failed: the call was torn down without a stored
// recording, so there was never anything to analyze.
func (f *Finalizer) run(ctx context.Context, job Job) {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1)
	op := func() error {
		return f.process(ctx, job)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if !job.RecordingFinished && errors.Is(err, errRecordingNotFound) {
			f.logger.Warn("stored recording never appeared, skipping analysis",
				"call_id", job.CallID, "recording", job.RecordingName)
			f.met.Finalization("skipped")
			return
		}
		f.logger.Error("finalization failed, conversation lost",
			"call_id", job.CallID, "error", err)
		f.met.Finalization("failed")
		return
	}
	f.met.Finalization("ok")
}

func (f *Finalizer) process(ctx context.Context, job Job) error {
	caller, err := f.users.GetByExtension(ctx, job.CallerExtension)
	if err != nil {
		return fmt.Errorf("resolving caller extension %s: %w", job.CallerExtension, err)
	}
	agent, err := f.users.GetByExtension(ctx, job.AgentExtension)
	if err != nil {
		return fmt.Errorf("resolving agent extension %s: %w", job.AgentExtension, err)
	}

	recording, err := f.download(ctx, job.RecordingURL)
	if err != nil {
		return err
	}

	blobName := job.RecordingName + ".wav"
	path, size, err := f.blobs.Put(ctx, blobName, bytes.NewReader(recording))
	if err != nil {
		return fmt.Errorf("archiving recording: %w", err)
	}
	doc := &models.Document{
		Name:        blobName,
		Path:        path,
		Size:        size,
		ContentType: "audio/wav",
		UploadedBy:  caller.Username,
	}
	if err := f.docs.Create(ctx, doc); err != nil {
		return fmt.Errorf("recording document: %w", err)
	}

	result, err := f.analyzer.Analyze(ctx, bytes.NewReader(recording), caller.Username, agent.Username)
	if err != nil {
		return fmt.Errorf("analyzing call %s: %w", job.CallID, err)
	}

	conv := &models.Conversation{
		FromUserID: caller.ID,
		ToUserID:   agent.ID,
		Type:       models.ConversationAgentToCustomer,
		Status:     "closed",
		RecordURL:  job.RecordingURL,
		Summary:    result.Summary,
		Mood:       result.Mood,
	}
	msgs := make([]models.Message, len(result.Utterances))
	for i, u := range result.Utterances {
		msgs[i] = models.Message{
			Speaker: u.Speaker,
			Content: u.Text,
			Mood:    u.Mood,
			Ord:     i,
			StartMS: u.StartMS,
			EndMS:   u.EndMS,
		}
	}
	if err := f.convs.Create(ctx, conv, msgs); err != nil {
		return fmt.Errorf("persisting conversation: %w", err)
	}

	f.logger.Info("call finalized",
		"call_id", job.CallID,
		"conversation_id", conv.ID,
		"from", caller.Username,
		"to", agent.Username,
		"utterances", len(msgs),
	)
	return nil
}

// download pulls the stored recording from the PBX.
func (f *Finalizer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building recording request: %w", err)
	}
	req.SetBasicAuth(f.cfg.ARIUsername, f.cfg.ARIPassword)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("downloading recording: %w", errRecordingNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading recording: status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "audio/") && !strings.HasSuffix(url, "/file") {
		return nil, fmt.Errorf("unexpected recording content type %q", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading recording: %w", err)
	}
	if len(data) > maxRecordingBytes {
		return nil, fmt.Errorf("recording exceeds %d bytes", maxRecordingBytes)
	}
	return data, nil
}
