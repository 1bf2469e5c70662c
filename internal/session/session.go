// Package session holds per-call orchestration state: one CallSession per
// in-progress call, plus a channel→call index, persisted in SQLite.
package session

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the call lifecycle state. Transitions are monotonic along
// INCOMING → RINGING → CONNECTED → TEARING_DOWN, with a direct shortcut to
// teardown on early hangup. There is no stored CLOSED state: a closed call
// is a deleted session.
type Status string

const (
	StatusIncoming    Status = "INCOMING"
	StatusRinging     Status = "RINGING"
	StatusConnected   Status = "CONNECTED"
	StatusTearingDown Status = "TEARING_DOWN"
)

// StringSet is a set of identifiers persisted as a sorted, de-duplicated
// JSON list.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts a member.
func (s StringSet) Add(member string) { s[member] = struct{}{} }

// Has reports membership.
func (s StringSet) Has(member string) bool {
	_, ok := s[member]
	return ok
}

// Len returns the number of members.
func (s StringSet) Len() int { return len(s) }

// MarshalJSON encodes the set as a sorted list so the stored form is
// deterministic.
func (s StringSet) MarshalJSON() ([]byte, error) {
	members := make([]string, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	sort.Strings(members)
	return json.Marshal(members)
}

// UnmarshalJSON decodes a list back into a set. Duplicates in the stored
// list collapse silently.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// CallSession is the record the dispatcher reads and writes for every
// event of a call. CallID doubles as the recording name and, once
// assigned, the bridge id.
type CallSession struct {
	CallID        string `json:"call_id"`
	CallerChannel string `json:"caller_channel"`
	AgentChannel  string `json:"agent_channel,omitempty"`
	BridgeID      string `json:"bridge_id,omitempty"`

	// Up holds channels that reached the Up state; Bridged holds channels
	// confirmed inside the bridge. len(Bridged)==2 ⇔ Status==CONNECTED.
	Up      StringSet `json:"up"`
	Bridged StringSet `json:"bridged"`

	Status Status `json:"status"`

	CallerExtension string `json:"caller_extension"`
	AgentExtension  string `json:"agent_extension,omitempty"`

	RecordingName     string `json:"recording_name"`
	RecordingFinished bool   `json:"recording_finished"`

	SnoopChannels []string `json:"snoop_channels,omitempty"`

	// JoinAttempts counts bridge-join tries so a permanently failing
	// channel cannot loop forever.
	JoinAttempts int `json:"join_attempts"`
}

// New creates a session for a fresh inbound leg. The recording carries the
// call id as its name.
func New(callID, callerChannel, callerExtension string) *CallSession {
	return &CallSession{
		CallID:          callID,
		CallerChannel:   callerChannel,
		CallerExtension: callerExtension,
		Up:              NewStringSet(),
		Bridged:         NewStringSet(),
		Status:          StatusIncoming,
		RecordingName:   callID,
	}
}

// Channels returns every channel id the session references, for the
// channel→call index.
func (c *CallSession) Channels() []string {
	var channels []string
	if c.CallerChannel != "" {
		channels = append(channels, c.CallerChannel)
	}
	if c.AgentChannel != "" {
		channels = append(channels, c.AgentChannel)
	}
	channels = append(channels, c.SnoopChannels...)
	return channels
}

// OtherLeg returns the peer of the given channel, or "" when the channel
// is not one of the two legs.
func (c *CallSession) OtherLeg(channelID string) string {
	switch channelID {
	case c.CallerChannel:
		return c.AgentChannel
	case c.AgentChannel:
		return c.CallerChannel
	}
	return ""
}

// Encode serializes the session document.
func (c *CallSession) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s: %w", c.CallID, err)
	}
	return data, nil
}

// Decode deserializes a session document, normalizing absent sets.
func Decode(data []byte) (*CallSession, error) {
	var c CallSession
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if c.Up == nil {
		c.Up = NewStringSet()
	}
	if c.Bridged == nil {
		c.Bridged = NewStringSet()
	}
	return &c, nil
}
