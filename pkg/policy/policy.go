// Package policy defines the per-tenant conversation policy document and the
// cached resolver the orchestrator reads it through. Policies are versioned
// rows in the database; the document itself is JSON.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Policy is the tenant's conversation policy document. It shapes every
// generated reply: persona and tone feed the system prompt, the safety lists
// feed the guardrail chain, and the fallback copy is what users see when the
// pipeline degrades.
type Policy struct {
	Persona            string   `json:"persona"`
	Tone               string   `json:"tone,omitempty"`
	Greeting           string   `json:"greeting,omitempty"`
	FallbackReply      string   `json:"fallback_reply"`
	EscalationReply    string   `json:"escalation_reply,omitempty"`
	SafetyRules        []string `json:"safety_rules,omitempty"`
	BlockedTopics      []string `json:"blocked_topics,omitempty"`
	EscalationKeywords []string `json:"escalation_keywords,omitempty"`
	Temperature        float64  `json:"temperature"`
	HistoryTurns       int      `json:"history_turns"`
}

// Default returns the policy used when a tenant has published nothing yet.
func Default() *Policy {
	return &Policy{
		Persona:         "You are a helpful customer support assistant.",
		FallbackReply:   "Sorry, I can't help with that right now. Please try again shortly.",
		EscalationReply: "I'm connecting you with a human agent who can help further.",
		Temperature:     0.3,
		HistoryTurns:    6,
	}
}

// Parse decodes and validates a policy document. Unknown fields are
// rejected so typos in drafts surface at draft time, not at publish.
func Parse(raw []byte) (*Policy, error) {
	var p Policy
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid policy document: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the document's field constraints.
func (p *Policy) Validate() error {
	if p.Persona == "" {
		return fmt.Errorf("policy persona is required")
	}
	if p.FallbackReply == "" {
		return fmt.Errorf("policy fallback_reply is required")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("policy temperature must be in [0,2], got %g", p.Temperature)
	}
	if p.HistoryTurns < 0 || p.HistoryTurns > 50 {
		return fmt.Errorf("policy history_turns must be in [0,50], got %d", p.HistoryTurns)
	}
	return nil
}

// FieldChange is one differing field between two policy versions.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Diff lists the fields that differ between two policies, in struct order.
func Diff(old, new *Policy) []FieldChange {
	var changes []FieldChange
	ov := reflect.ValueOf(*old)
	nv := reflect.ValueOf(*new)
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			changes = append(changes, FieldChange{
				Field: jsonName(t.Field(i)),
				Old:   ov.Field(i).Interface(),
				New:   nv.Field(i).Interface(),
			})
		}
	}
	return changes
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}
	if tag != "" {
		return tag
	}
	return f.Name
}
