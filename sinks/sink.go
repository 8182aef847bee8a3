// Package sinks holds the durable record of sink instances attached to
// provider instances.
package sinks

import (
	"maps"
	"time"
)

// SinkInstance connects one sink destination to one provider instance.
type SinkInstance struct {
	SinkCode      string            `json:"sinkCode"`
	SinkID        string            `json:"sinkId"`
	ProviderCode  string            `json:"providerCode"`
	ProviderID    string            `json:"providerId"`
	Label         string            `json:"label"`
	Destination   string            `json:"destination"`
	Fields        map[string]string `json:"fields"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastDrainedAt *time.Time        `json:"lastDrainedAt"`
}

// Clone returns a deep copy.
func (s *SinkInstance) Clone() *SinkInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields = maps.Clone(s.Fields)
	if s.LastDrainedAt != nil {
		t := *s.LastDrainedAt
		c.LastDrainedAt = &t
	}
	return &c
}

// Field returns a kind specific field or the empty string.
func (s *SinkInstance) Field(name string) string {
	if s.Fields == nil {
		return ""
	}
	return s.Fields[name]
}
