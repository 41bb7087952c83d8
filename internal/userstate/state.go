package userstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Profile is one synchronized entry of a series, e.g. the watch progress of one video. A
// profile without a payload is a tombstone: it records that the entry was deleted at TS.
type Profile struct {
	ID      string
	TS      float64
	Payload json.RawMessage
}

// Tombstone reports whether the profile marks a deletion.
func (p Profile) Tombstone() bool {
	return len(p.Payload) == 0
}

type profileJSON struct {
	ID      string          `json:"id"`
	TS      float64         `json:"ts"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(profileJSON{ID: p.ID, TS: p.TS, Profile: p.Payload})
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw profileJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ID = raw.ID
	p.TS = raw.TS
	p.Payload = nil
	if len(raw.Profile) == 0 || bytes.Equal(bytes.TrimSpace(raw.Profile), []byte("null")) {
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw.Profile); err != nil {
		return err
	}
	p.Payload = compact.Bytes()
	return nil
}

func (p Profile) equal(other Profile) bool {
	return p.ID == other.ID &&
		p.TS == other.TS &&
		payloadEqual(p.Payload, other.Payload)
}

// payloadEqual compares payloads as JSON values, so formatting and key order do not count.
func payloadEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// State maps a series identifier to its ordered profiles.
type State map[string][]Profile

// DecodeState parses the JSON wire form of a user state.
func DecodeState(data []byte) (State, error) {
	state := State{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode user state: %w", err)
	}
	return state, nil
}

// Validate rejects uploads the merge cannot order: unnamed series and negative timestamps.
func (s State) Validate() error {
	for series, profiles := range s {
		if series == "" {
			return fmt.Errorf("%w: empty series name", ErrInvalidState)
		}
		for i, p := range profiles {
			if p.TS < 0 {
				return fmt.Errorf("%w: %s[%d] has a negative timestamp", ErrInvalidState, series, i)
			}
		}
	}
	return nil
}

// Encode renders the JSON wire form of the state.
func (s State) Encode() ([]byte, error) {
	if s == nil {
		s = State{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user state: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	clone := make(State, len(s))
	for series, profiles := range s {
		clone[series] = cloneProfiles(profiles)
	}
	return clone
}

func cloneProfiles(profiles []Profile) []Profile {
	list := make([]Profile, len(profiles))
	for i, p := range profiles {
		list[i] = Profile{
			ID:      p.ID,
			TS:      p.TS,
			Payload: append(json.RawMessage(nil), p.Payload...),
		}
	}
	return list
}

// Equal reports whether both states hold the same series with the same profiles in the same order.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for series, profiles := range s {
		otherProfiles, ok := other[series]
		if !ok || len(profiles) != len(otherProfiles) {
			return false
		}
		for i := range profiles {
			if !profiles[i].equal(otherProfiles[i]) {
				return false
			}
		}
	}
	return true
}
