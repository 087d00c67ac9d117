package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// WebhookEvent is an outbound event name.
type WebhookEvent string

const (
	EventThreatCreated  WebhookEvent = "threat.created"
	EventUploadComplete WebhookEvent = "upload.complete"
	EventUploadFailed   WebhookEvent = "upload.failed"
	EventWebhookTest    WebhookEvent = "webhook.test"
)

var eventBits = map[WebhookEvent]EventSet{
	EventThreatCreated:  1 << 0,
	EventUploadComplete: 1 << 1,
	EventUploadFailed:   1 << 2,
	EventWebhookTest:    1 << 3,
}

// EventSet is the canonical in-memory representation of a subscription's
// event list.
type EventSet uint8

// AllEvents subscribes to every known event.
const AllEvents EventSet = 1<<4 - 1

// NewEventSet builds a set from known event names. Unknown names are an error.
func NewEventSet(events ...WebhookEvent) (EventSet, error) {
	var set EventSet
	for _, e := range events {
		bit, ok := eventBits[e]
		if !ok {
			return 0, fmt.Errorf("unknown webhook event %q", e)
		}
		set |= bit
	}
	return set, nil
}

// Has reports whether e is in the set.
func (s EventSet) Has(e WebhookEvent) bool {
	bit, ok := eventBits[e]
	return ok && s&bit != 0
}

// Events returns the members in sorted order.
func (s EventSet) Events() []WebhookEvent {
	out := make([]WebhookEvent, 0, len(eventBits))
	for e, bit := range eventBits {
		if s&bit != 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the members as plain strings, for storage.
func (s EventSet) Strings() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

// ParseEventSet normalizes the loosely typed event column into an EventSet.
// Accepted shapes: []string, []interface{}, a JSON array string, a comma
// separated string, or "*" for all events.
func ParseEventSet(raw interface{}) (EventSet, error) {
	var names []string
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case EventSet:
		return v, nil
	case []string:
		names = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return 0, fmt.Errorf("event list contains %T", item)
			}
			names = append(names, s)
		}
	case []byte:
		return ParseEventSet(string(v))
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, nil
		}
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal([]byte(trimmed), &names); err != nil {
				return 0, fmt.Errorf("decode event list: %w", err)
			}
		} else {
			names = strings.Split(trimmed, ",")
		}
	default:
		return 0, fmt.Errorf("unsupported event list type %T", raw)
	}

	var set EventSet
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == "*" {
			set |= AllEvents
			continue
		}
		bit, ok := eventBits[WebhookEvent(name)]
		if !ok {
			return 0, fmt.Errorf("unknown webhook event %q", name)
		}
		set |= bit
	}
	return set, nil
}

// MarshalJSON encodes the set as an array of event names.
func (s EventSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON accepts any shape ParseEventSet accepts.
func (s *EventSet) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseEventSet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
