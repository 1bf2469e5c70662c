// Package dispatch is the call-session state machine. It consumes decoded
// ARI events, applies one deterministic transition per event against the
// session store, drives the control plane, and routes terminal events to
// the finalizer.
//
// Concurrency model: one short-lived worker goroutine per live call id.
// Events for one call apply strictly in arrival order inside its worker,
// so every read-modify-write of the session is naturally serialized;
// events for different calls proceed in parallel, bounded by a semaphore
// so slow control-plane round-trips cannot exhaust the process.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callsight/callsight/internal/ari"
	"github.com/callsight/callsight/internal/finalize"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/session"
)

// channelUpState is the leg state that marks a channel as answered.
const channelUpState = "Up"

// workerQueueSize is the per-call event buffer. A call produces a handful
// of events over its lifetime; a full queue means the control plane is
// stalled, and the enqueue path waits rather than reordering.
const workerQueueSize = 64

// FinalizeSink receives finished calls. *finalize.Finalizer is the
// production implementation.
type FinalizeSink interface {
	Enqueue(job finalize.Job)
}

// Config bounds the dispatcher's retry and concurrency behavior.
type Config struct {
	Workers        int // concurrent event-processing slots
	MaxJoinRetries int // bridge-join attempts per call
}

// Dispatcher owns all mutations of call sessions.
type Dispatcher struct {
	store  *session.Store
	cp     ari.ControlPlane
	fin    FinalizeSink
	met    *metrics.Metrics
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	workers map[string]*callWorker
	sem     chan struct{}
	wg      sync.WaitGroup
}

// queued is one unit of per-call work: an event, or a reap marker from
// the teardown sweeper.
type queued struct {
	ev   ari.Event
	reap bool
}

type callWorker struct {
	queue chan queued
}

// New creates a dispatcher.
func New(store *session.Store, cp ari.ControlPlane, fin FinalizeSink,
	met *metrics.Metrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 16
	}
	if cfg.MaxJoinRetries < 1 {
		cfg.MaxJoinRetries = 5
	}
	return &Dispatcher{
		store:   store,
		cp:      cp,
		fin:     fin,
		met:     met,
		logger:  logger,
		cfg:     cfg,
		workers: make(map[string]*callWorker),
		sem:     make(chan struct{}, cfg.Workers),
	}
}

// HandleEvent implements ari.EventSink. It resolves the event to a call id
// and hands it to that call's worker; events that resolve to no live call
// are dropped here.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev ari.Event) {
	d.met.Event(ari.EventType(ev))

	callID := d.resolve(ctx, ev)
	if callID == "" {
		return
	}
	d.enqueue(ctx, callID, queued{ev: ev})
}

// Drain waits for all in-flight call workers to finish.
func (d *Dispatcher) Drain() { d.wg.Wait() }

// resolve maps an event to the call id whose worker must process it.
// Empty means the event is not actionable.
func (d *Dispatcher) resolve(ctx context.Context, ev ari.Event) string {
	switch e := ev.(type) {
	case ari.StasisStart:
		if callID, err := d.lookupChannel(ctx, e.ChannelID); callID != "" || err != nil {
			return callID // originated leg joining its existing call
		}
		// Originated agent legs carry the "agent" marker instead of a
		// dialed extension; with no session indexed yet there is nothing
		// to do for them.
		if e.DialedExtension == "" || e.DialedExtension == "agent" {
			return ""
		}
		return uuid.NewString()

	case ari.ChannelStateChange:
		if e.State != channelUpState {
			return ""
		}
		callID, err := d.lookupChannel(ctx, e.ChannelID)
		if callID == "" && err == nil {
			d.logger.Debug("leg state for untracked channel", "channel_id", e.ChannelID)
		}
		return callID

	case ari.ChannelHangupRequest:
		callID, err := d.lookupChannel(ctx, e.ChannelID)
		if callID == "" && err == nil {
			d.logger.Warn("hangup for unknown channel", "channel_id", e.ChannelID)
		}
		return callID

	// Bridges and recordings are created with the call's own id, so those
	// events resolve directly. The feed is subscribe-all: ids that map to
	// no session are foreign (another app's bridge, an already-closed
	// call) and are dropped before a worker is spawned for them.

	case ari.ChannelEnteredBridge:
		return d.lookupSession(ctx, e.BridgeID)

	case ari.RecordingFinished:
		return d.lookupSession(ctx, e.Name)

	case ari.BridgeDestroyed:
		return d.lookupSession(ctx, e.BridgeID)
	}
	return ""
}

// lookupSession returns callID when a session exists for it, "" otherwise.
func (d *Dispatcher) lookupSession(ctx context.Context, callID string) string {
	if _, err := d.store.Get(ctx, callID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			d.logger.Debug("event for untracked call", "call_id", callID)
		} else {
			d.logger.Error("session store unavailable", "call_id", callID, "error", err)
		}
		return ""
	}
	return callID
}

func (d *Dispatcher) lookupChannel(ctx context.Context, channelID string) (string, error) {
	callID, err := d.store.GetByChannel(ctx, channelID)
	if errors.Is(err, session.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		// Store unavailable: the event cannot be processed; drop it and
		// let a later event retry the transition.
		d.logger.Error("channel index unavailable", "channel_id", channelID, "error", err)
		return "", err
	}
	return callID, nil
}

// enqueue delivers work to the call's worker, creating one if needed.
// Both enqueue and worker exit hold d.mu, so work is never sent to an
// abandoned queue.
func (d *Dispatcher) enqueue(ctx context.Context, callID string, q queued) {
	for {
		d.mu.Lock()
		w, ok := d.workers[callID]
		if !ok {
			w = &callWorker{queue: make(chan queued, workerQueueSize)}
			d.workers[callID] = w
			d.wg.Add(1)
			go d.runWorker(ctx, callID, w)
		}
		select {
		case w.queue <- q:
			d.mu.Unlock()
			return
		default:
		}
		d.mu.Unlock()

		// Queue full: wait for the worker to drain. Blocking preserves
		// arrival order for this call without stalling other calls.
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// runWorker drains one call's queue, then retires itself.
func (d *Dispatcher) runWorker(ctx context.Context, callID string, w *callWorker) {
	defer d.wg.Done()
	for {
		select {
		case q := <-w.queue:
			select {
			case d.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			d.process(ctx, callID, q)
			<-d.sem
		default:
			d.mu.Lock()
			if len(w.queue) == 0 {
				delete(d.workers, callID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

// process applies one transition. Errors are contained to the call: they
// are logged, the session keeps its pre-failure state, and processing of
// other calls is unaffected.
func (d *Dispatcher) process(ctx context.Context, callID string, q queued) {
	if q.reap {
		d.reap(ctx, callID)
		return
	}

	var err error
	switch e := q.ev.(type) {
	case ari.StasisStart:
		err = d.handleStasisStart(ctx, callID, e)
	case ari.ChannelStateChange:
		err = d.handleChannelUp(ctx, callID, e)
	case ari.ChannelEnteredBridge:
		err = d.handleEnteredBridge(ctx, callID, e)
	case ari.ChannelHangupRequest:
		err = d.handleHangup(ctx, callID, e)
	case ari.RecordingFinished:
		err = d.handleRecordingFinished(ctx, callID, e)
	case ari.BridgeDestroyed:
		err = d.handleBridgeDestroyed(ctx, callID, e)
	}
	if err != nil {
		d.logger.Error("event processing failed",
			"call_id", callID, "event", ari.EventType(q.ev), "error", err)
	}
}

// handleStasisStart creates the session for a new inbound leg and
// originates the agent leg. On originate failure the session stays
// INCOMING so the caller's eventual hangup still cleans it up.
func (d *Dispatcher) handleStasisStart(ctx context.Context, callID string, ev ari.StasisStart) error {
	if _, err := d.store.Get(ctx, callID); err == nil {
		// Duplicate StasisStart for a tracked channel (or the agent leg
		// entering the app): the session already exists, nothing to do.
		return nil
	} else if !errors.Is(err, session.ErrNotFound) {
		return err
	}

	sess := session.New(callID, ev.ChannelID, ev.CallerNumber)
	if err := d.store.Put(ctx, sess); err != nil {
		return err
	}

	d.logger.Info("incoming call",
		"call_id", callID,
		"channel_id", ev.ChannelID,
		"caller", ev.CallerNumber,
		"dialed", ev.DialedExtension,
	)

	callerID := ev.CallerName
	if callerID == "" {
		callerID = ev.CallerNumber
	}
	agentChannel, err := d.cp.Originate(ctx, ev.DialedExtension, callerID)
	if err != nil {
		d.met.ControlPlaneError("originate")
		return err
	}

	sess.AgentChannel = agentChannel
	sess.AgentExtension = ev.DialedExtension
	sess.Status = session.StatusRinging
	return d.store.Put(ctx, sess)
}

// handleChannelUp records an answered leg and, once the agent is up,
// answers the caller and attempts the bridge join. The join re-runs on
// every Up event until it succeeds; there is no single trigger point.
func (d *Dispatcher) handleChannelUp(ctx context.Context, callID string, ev ari.ChannelStateChange) error {
	sess, err := d.store.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status == session.StatusTearingDown {
		return nil
	}
	if ev.ChannelID != sess.CallerChannel && ev.ChannelID != sess.AgentChannel {
		return nil
	}

	sess.Up.Add(ev.ChannelID)

	if ev.ChannelID == sess.AgentChannel && sess.CallerChannel != "" {
		d.logger.Info("agent answered", "call_id", callID, "channel_id", ev.ChannelID)
		if err := d.cp.Answer(ctx, sess.CallerChannel); err != nil {
			d.met.ControlPlaneError("answer")
			// Keep the Up marker so the next leg event retries the
			// answer-and-join sequence.
			if putErr := d.store.Put(ctx, sess); putErr != nil {
				return putErr
			}
			return err
		}
	}

	if err := d.store.Put(ctx, sess); err != nil {
		return err
	}
	return d.tryJoin(ctx, sess)
}

// tryJoin creates the bridge (once) and adds both legs, provided the
// agent leg is up. Failures increment the bounded attempt counter and
// leave the session for a later event to retry.
func (d *Dispatcher) tryJoin(ctx context.Context, sess *session.CallSession) error {
	if sess.Status == session.StatusConnected || sess.Status == session.StatusTearingDown {
		return nil
	}
	if sess.CallerChannel == "" || sess.AgentChannel == "" {
		return nil
	}
	if !sess.Up.Has(sess.AgentChannel) {
		return nil // agent not answered yet, retry on its Up event
	}
	if sess.JoinAttempts >= d.cfg.MaxJoinRetries {
		d.logger.Warn("bridge join abandoned", "call_id", sess.CallID, "attempts", sess.JoinAttempts)
		return nil
	}

	if sess.BridgeID == "" {
		if err := d.cp.CreateBridge(ctx, sess.CallID); err != nil {
			d.met.ControlPlaneError("create_bridge")
			sess.JoinAttempts++
			if putErr := d.store.Put(ctx, sess); putErr != nil {
				return putErr
			}
			return err
		}
		sess.BridgeID = sess.CallID
		if err := d.store.Put(ctx, sess); err != nil {
			return err
		}
		d.logger.Info("bridge created", "call_id", sess.CallID, "bridge_id", sess.BridgeID)
	}

	channels := []string{sess.CallerChannel, sess.AgentChannel}
	if err := d.cp.AddChannelsToBridge(ctx, sess.BridgeID, channels); err != nil {
		d.met.ControlPlaneError("add_channels")
		sess.JoinAttempts++
		if putErr := d.store.Put(ctx, sess); putErr != nil {
			return putErr
		}
		return err
	}

	d.logger.Info("legs joined to bridge", "call_id", sess.CallID, "bridge_id", sess.BridgeID)
	return nil
}

// handleEnteredBridge confirms bridge membership. Two confirmed members
// mean the call is audibly connected; only then does recording start.
func (d *Dispatcher) handleEnteredBridge(ctx context.Context, callID string, ev ari.ChannelEnteredBridge) error {
	sess, err := d.store.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	sess.Bridged.Add(ev.ChannelID)

	if sess.Bridged.Len() == 2 && sess.Status != session.StatusConnected &&
		sess.Status != session.StatusTearingDown {
		sess.Status = session.StatusConnected
		d.logger.Info("call connected", "call_id", callID, "bridge_id", ev.BridgeID)

		if err := d.cp.StartRecording(ctx, sess.BridgeID, sess.RecordingName); err != nil {
			d.met.ControlPlaneError("start_recording")
			d.logger.Error("recording failed to start", "call_id", callID, "error", err)
		}
	}

	return d.store.Put(ctx, sess)
}

// handleHangup tears down the call's media: stop recording, release the
// other leg and snoops, destroy the bridge. The session survives until
// the BridgeDestroyed confirmation; only a call that never had a bridge
// is finalized right here, because no confirmation will ever come.
func (d *Dispatcher) handleHangup(ctx context.Context, callID string, ev ari.ChannelHangupRequest) error {
	sess, err := d.store.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status == session.StatusTearingDown {
		return nil // the other leg already triggered teardown
	}

	d.logger.Info("hangup requested", "call_id", callID, "channel_id", ev.ChannelID, "status", string(sess.Status))

	if sess.Status == session.StatusConnected {
		if err := d.cp.StopRecording(ctx, sess.RecordingName); err != nil {
			d.met.ControlPlaneError("stop_recording")
			d.logger.Error("stop recording failed", "call_id", callID, "error", err)
		}
	}

	if other := sess.OtherLeg(ev.ChannelID); other != "" {
		if err := d.cp.Hangup(ctx, other); err != nil {
			d.met.ControlPlaneError("hangup")
			d.logger.Error("peer hangup failed", "call_id", callID, "channel_id", other, "error", err)
		}
	}
	for _, snoop := range sess.SnoopChannels {
		if err := d.cp.Hangup(ctx, snoop); err != nil {
			d.met.ControlPlaneError("hangup")
			d.logger.Error("snoop hangup failed", "call_id", callID, "channel_id", snoop, "error", err)
		}
	}

	if sess.BridgeID == "" {
		// Early hangup: no bridge, no recording, no BridgeDestroyed to
		// wait for. Close out the call now; there is nothing to analyze.
		d.met.Finalization("skipped")
		d.logger.Info("call abandoned before connect", "call_id", callID)
		return d.store.Delete(ctx, callID)
	}

	if err := d.cp.DestroyBridge(ctx, sess.BridgeID); err != nil {
		d.met.ControlPlaneError("destroy_bridge")
		d.logger.Error("bridge destroy failed", "call_id", callID, "bridge_id", sess.BridgeID, "error", err)
	}

	sess.Status = session.StatusTearingDown
	return d.store.Put(ctx, sess)
}

// handleRecordingFinished marks the stored recording as complete.
func (d *Dispatcher) handleRecordingFinished(ctx context.Context, callID string, _ ari.RecordingFinished) error {
	sess, err := d.store.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	sess.RecordingFinished = true
	return d.store.Put(ctx, sess)
}

// handleBridgeDestroyed is the terminal transition: hand the call to the
// finalizer, then delete the session so no later event can resurrect it.
func (d *Dispatcher) handleBridgeDestroyed(ctx context.Context, callID string, _ ari.BridgeDestroyed) error {
	sess, err := d.store.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return nil // already closed, or a bridge this orchestrator never owned
	}
	if err != nil {
		return err
	}

	d.finalize(sess)

	d.logger.Info("call closed", "call_id", callID)
	return d.store.Delete(ctx, callID)
}

func (d *Dispatcher) finalize(sess *session.CallSession) {
	d.fin.Enqueue(finalize.Job{
		CallID:            sess.CallID,
		CallerExtension:   sess.CallerExtension,
		AgentExtension:    sess.AgentExtension,
		RecordingName:     sess.RecordingName,
		RecordingURL:      d.cp.StoredRecordingURL(sess.RecordingName),
		RecordingFinished: sess.RecordingFinished,
	})
}

// RunReaper periodically finalizes sessions stuck in teardown longer than
// ttl — calls whose BridgeDestroyed was lost to an event-feed gap.
func (d *Dispatcher) RunReaper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := d.store.SweepStale(ctx, ttl)
			if err != nil {
				d.logger.Error("teardown sweep failed", "error", err)
				continue
			}
			for _, sess := range stale {
				// Route through the call's worker so a racing live event
				// cannot interleave with the reap.
				d.enqueue(ctx, sess.CallID, queued{reap: true})
			}
		}
	}
}

// reap closes out one stuck session.
func (d *Dispatcher) reap(ctx context.Context, callID string) {
	sess, err := d.store.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return // closed normally after the sweep ran
	}
	if err != nil {
		d.logger.Error("reap load failed", "call_id", callID, "error", err)
		return
	}
	if sess.Status != session.StatusTearingDown {
		return
	}

	d.logger.Warn("reaping session, bridge teardown never confirmed", "call_id", callID)
	d.met.Reaped()

	d.finalize(sess)
	if err := d.store.Delete(ctx, callID); err != nil {
		d.logger.Error("reap delete failed", "call_id", callID, "error", err)
	}
}
