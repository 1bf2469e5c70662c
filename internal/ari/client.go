package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for control-plane operations. The dispatcher branches on
// these to decide whether a transition can proceed.
var (
	ErrOriginateFailed = errors.New("ari: originate failed")
	ErrAnswerFailed    = errors.New("ari: answer failed")
	ErrBridgeFailed    = errors.New("ari: bridge operation failed")
	ErrRecordFailed    = errors.New("ari: recording operation failed")
	ErrHangupFailed    = errors.New("ari: hangup failed")
)

// ControlPlane is the set of PBX primitives the dispatcher drives. The ARI
// Client is the production implementation; tests substitute a fake.
type ControlPlane interface {
	Originate(ctx context.Context, extension, callerID string) (string, error)
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context, bridgeID string) error
	AddChannelsToBridge(ctx context.Context, bridgeID string, channels []string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	StartRecording(ctx context.Context, bridgeID, name string) error
	StopRecording(ctx context.Context, name string) error
	StoredRecordingURL(name string) string
}

// ClientConfig carries the ARI endpoint and credentials.
type ClientConfig struct {
	BaseURL   string // e.g. http://pbx:8088/ari
	Username  string
	Password  string
	App       string // Stasis application name
	HTTPSHost string // host:port used for stored-recording URLs
}

// Client issues synchronous REST calls against the ARI control plane. It is
// stateless and safe for concurrent use. It performs no retries; retry
// policy belongs to the dispatcher.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an ARI REST client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Originate dials an agent extension into the Stasis app and returns the
// new channel id. The channel id is chosen locally so the dispatcher can
// index the leg before the PBX emits any event for it.
func (c *Client) Originate(ctx context.Context, extension, callerID string) (string, error) {
	channelID := fmt.Sprintf("agent_%s_%s", extension, uuid.NewString()[:8])

	q := url.Values{
		"endpoint":  {"PJSIP/" + extension},
		"app":       {c.cfg.App},
		"appArgs":   {"agent," + channelID},
		"channelId": {channelID},
		"callerId":  {fmt.Sprintf("Customer Call <%s>", callerID)},
	}
	resp, err := c.do(ctx, http.MethodPost, "/channels?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOriginateFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: extension %s: status %d", ErrOriginateFailed, extension, resp.StatusCode)
	}
	return channelID, nil
}

// Answer answers a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnswerFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: channel %s: status %d", ErrAnswerFailed, channelID, resp.StatusCode)
	}
	return nil
}

// Hangup releases a channel. A channel that is already gone counts as
// success.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHangupFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: channel %s: status %d", ErrHangupFailed, channelID, resp.StatusCode)
	}
	return nil
}

// CreateBridge creates a mixing bridge with the given id. Using the call's
// own id keeps creation idempotent: a conflict means the bridge already
// exists and is treated as success.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) error {
	q := url.Values{
		"type":     {"mixing"},
		"app":      {c.cfg.App},
		"bridgeId": {bridgeID},
	}
	resp, err := c.do(ctx, http.MethodPost, "/bridges?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%w: create %s: status %d", ErrBridgeFailed, bridgeID, resp.StatusCode)
	}
	return nil
}

// AddChannelsToBridge adds the given channels to a bridge.
func (c *Client) AddChannelsToBridge(ctx context.Context, bridgeID string, channels []string) error {
	q := url.Values{"channel": {strings.Join(channels, ",")}}
	resp, err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: addChannel %s: status %d", ErrBridgeFailed, bridgeID, resp.StatusCode)
	}
	return nil
}

// DestroyBridge tears down a bridge. Not-found is success.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: destroy %s: status %d", ErrBridgeFailed, bridgeID, resp.StatusCode)
	}
	return nil
}

// StartRecording begins recording a bridge under the given name. Asterisk
// may report the recording as queued rather than live; that is not an
// error.
func (c *Client) StartRecording(ctx context.Context, bridgeID, name string) error {
	q := url.Values{
		"name":               {name},
		"format":             {"wav"},
		"maxDurationSeconds": {"3600"},
		"beep":               {"false"},
		"terminateOn":        {"none"},
	}
	resp, err := c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/record?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: start %s: status %d", ErrRecordFailed, name, resp.StatusCode)
	}

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.State != "recording" {
		c.logger.Debug("recording queued", "name", name, "state", body.State)
	}
	return nil
}

// StopRecording stops a live recording. A recording that is not running is
// treated as already stopped.
func (c *Client) StopRecording(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: stop %s: status %d", ErrRecordFailed, name, resp.StatusCode)
	}
	return nil
}

// StoredRecordingURL builds the external URL of a stored recording, served
// by Asterisk over its HTTPS listener.
func (c *Client) StoredRecordingURL(name string) string {
	return fmt.Sprintf("https://%s/ari/recordings/stored/%s/file", c.cfg.HTTPSHost, url.PathEscape(name))
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	return c.http.Do(req)
}

// drain discards and closes a response body so the connection can be
// reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
}
