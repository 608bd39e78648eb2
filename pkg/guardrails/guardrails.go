// Package guardrails screens generated replies before delivery. The chain
// runs PII masking, profanity masking, blocked-topic checks, and escalation
// keyword detection; the verdict tells the orchestrator whether to deliver
// the (possibly rewritten) text or hand off to a human.
package guardrails

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/chatmesh/chatmesh/pkg/policy"
)

// Decision is the outcome of the guardrail chain.
type Decision string

// Chain decisions. Accept delivers the text as generated, Rewrite delivers
// the masked text, Escalate suppresses the reply in favor of the policy's
// escalation copy.
const (
	Accept   Decision = "accept"
	Rewrite  Decision = "rewrite"
	Escalate Decision = "escalate"
)

// Verdict carries the decision, the deliverable text, and the names of the
// rules that fired for the audit trail.
type Verdict struct {
	Decision Decision
	Text     string
	Fired    []string
}

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns mask PII that must never leave the platform in a generated
// reply, whatever the tenant policy says. Compiled once at init.
var builtinPatterns = []*CompiledPattern{
	{Name: "email", Regex: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), Replacement: "[EMAIL]"},
	{Name: "phone", Regex: regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`), Replacement: "[PHONE]"},
	{Name: "card_number", Regex: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), Replacement: "[CARD]"},
	{Name: "ssn", Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Replacement: "[SSN]"},
}

// Chain applies the guardrail rules for one tenant policy.
type Chain struct {
	patterns   []*CompiledPattern
	blocked    []string
	escalation []string
	logger     *slog.Logger
}

// NewChain builds the chain for a policy. Empty tenant-supplied entries are
// skipped, never fatal.
func NewChain(p *policy.Policy, logger *slog.Logger) *Chain {
	c := &Chain{logger: logger, patterns: builtinPatterns}
	for _, topic := range p.BlockedTopics {
		if t := strings.ToLower(strings.TrimSpace(topic)); t != "" {
			c.blocked = append(c.blocked, t)
		}
	}
	for _, kw := range p.EscalationKeywords {
		if k := strings.ToLower(strings.TrimSpace(kw)); k != "" {
			c.escalation = append(c.escalation, k)
		}
	}
	return c
}

// CheckInbound inspects the user's message for escalation keywords. A match
// short-circuits generation entirely.
func (c *Chain) CheckInbound(text string) (escalate bool, fired []string) {
	lower := strings.ToLower(text)
	for _, kw := range c.escalation {
		if strings.Contains(lower, kw) {
			fired = append(fired, "escalation:"+kw)
		}
	}
	return len(fired) > 0, fired
}

// CheckOutbound runs the full chain over a generated reply.
func (c *Chain) CheckOutbound(text string) Verdict {
	v := Verdict{Decision: Accept, Text: text}

	lower := strings.ToLower(text)
	for _, topic := range c.blocked {
		if strings.Contains(lower, topic) {
			v.Fired = append(v.Fired, "blocked_topic:"+topic)
		}
	}
	if len(v.Fired) > 0 {
		v.Decision = Escalate
		v.Text = ""
		return v
	}

	masked := text
	for _, p := range c.patterns {
		if p.Regex.MatchString(masked) {
			masked = p.Regex.ReplaceAllString(masked, p.Replacement)
			v.Fired = append(v.Fired, "mask:"+p.Name)
		}
	}
	if masked != text {
		v.Decision = Rewrite
		v.Text = masked
	}
	return v
}
