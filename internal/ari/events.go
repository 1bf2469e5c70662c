package ari

import (
	"encoding/json"
	"fmt"
)

// Event is the closed set of ARI events the orchestrator consumes. Exactly
// one of the six concrete types below implements it; everything else on the
// feed decodes to nil and is dropped at the ingress.
type Event interface {
	eventType() string
}

// StasisStart is the first event for a channel entering the Stasis
// application: a new inbound leg, or an originated leg joining back.
type StasisStart struct {
	ChannelID    string
	ChannelState string
	CallerName   string
	CallerNumber string
	// DialedExtension is the first Stasis application argument: the
	// extension the caller dialed. Empty for originated agent legs.
	DialedExtension string
}

// ChannelStateChange reports a channel call-progress transition. Only the
// "Up" state is actionable.
type ChannelStateChange struct {
	ChannelID string
	State     string
}

// ChannelHangupRequest reports that one leg asked to hang up.
type ChannelHangupRequest struct {
	ChannelID string
}

// ChannelEnteredBridge confirms a channel is present inside a bridge.
type ChannelEnteredBridge struct {
	BridgeID  string
	ChannelID string
}

// RecordingFinished reports that a live recording has been stored.
type RecordingFinished struct {
	Name string
}

// BridgeDestroyed is the terminal event for a call's bridge.
type BridgeDestroyed struct {
	BridgeID string
}

func (StasisStart) eventType() string          { return "StasisStart" }
func (ChannelStateChange) eventType() string   { return "ChannelStateChange" }
func (ChannelHangupRequest) eventType() string { return "ChannelHangupRequest" }
func (ChannelEnteredBridge) eventType() string { return "ChannelEnteredBridge" }
func (RecordingFinished) eventType() string    { return "RecordingFinished" }
func (BridgeDestroyed) eventType() string      { return "BridgeDestroyed" }

// EventType returns the wire name of an event for logging and metrics.
func EventType(ev Event) string { return ev.eventType() }

// rawEvent mirrors the envelope fields shared by all consumed ARI events.
type rawEvent struct {
	Type    string   `json:"type"`
	Args    []string `json:"args"`
	Channel *struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Caller struct {
			Name   string `json:"name"`
			Number string `json:"number"`
		} `json:"caller"`
	} `json:"channel"`
	Bridge *struct {
		ID string `json:"id"`
	} `json:"bridge"`
	Recording *struct {
		Name string `json:"name"`
	} `json:"recording"`
}

// DecodeEvent parses one frame from the ARI event feed. It returns
// (nil, nil) for event types the orchestrator does not consume, and an
// error for frames that are malformed or missing the fields their type
// requires.
func DecodeEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	switch raw.Type {
	case "StasisStart":
		if raw.Channel == nil {
			return nil, fmt.Errorf("StasisStart without channel")
		}
		ev := StasisStart{
			ChannelID:    raw.Channel.ID,
			ChannelState: raw.Channel.State,
			CallerName:   raw.Channel.Caller.Name,
			CallerNumber: raw.Channel.Caller.Number,
		}
		if len(raw.Args) > 0 {
			ev.DialedExtension = raw.Args[0]
		}
		return ev, nil

	case "ChannelStateChange":
		if raw.Channel == nil {
			return nil, fmt.Errorf("ChannelStateChange without channel")
		}
		return ChannelStateChange{ChannelID: raw.Channel.ID, State: raw.Channel.State}, nil

	case "ChannelHangupRequest":
		if raw.Channel == nil {
			return nil, fmt.Errorf("ChannelHangupRequest without channel")
		}
		return ChannelHangupRequest{ChannelID: raw.Channel.ID}, nil

	case "ChannelEnteredBridge":
		if raw.Channel == nil || raw.Bridge == nil {
			return nil, fmt.Errorf("ChannelEnteredBridge without channel or bridge")
		}
		return ChannelEnteredBridge{BridgeID: raw.Bridge.ID, ChannelID: raw.Channel.ID}, nil

	case "RecordingFinished":
		if raw.Recording == nil {
			return nil, fmt.Errorf("RecordingFinished without recording")
		}
		return RecordingFinished{Name: raw.Recording.Name}, nil

	case "BridgeDestroyed":
		if raw.Bridge == nil {
			return nil, fmt.Errorf("BridgeDestroyed without bridge")
		}
		return BridgeDestroyed{BridgeID: raw.Bridge.ID}, nil
	}

	return nil, nil
}
