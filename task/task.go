// Package task holds the task vocabulary shared by the scheduler, the
// orchestrator and the control surface.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/instrument"
)

// Type identifies a task handler.
type Type string

const (
	LiveAnalysis      Type = "live_analysis"
	InsightGeneration Type = "insight_generation"
	DocumentDiscovery Type = "document_discovery"
	CompanyAnalysis   Type = "company_analysis"
	MarketScan        Type = "market_scan"
	KnowledgeBase     Type = "knowledge_base"
)

// Types lists every task type.
var Types = []Type{LiveAnalysis, InsightGeneration, DocumentDiscovery, CompanyAnalysis, MarketScan, KnowledgeBase}

var (
	ErrUnknownType     = errors.New("task: unknown type")
	ErrInvalidPriority = errors.New("task: invalid priority")
	ErrSymbolRequired  = errors.New("task: symbol required")
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// NeedsSymbol reports whether tasks of this type operate on one instrument.
func (t Type) NeedsSymbol() bool { return t != MarketScan }

// ForFrequency picks the task a scheduler tick emits for an instrument
// refreshed every minutes.
func ForFrequency(minutes int) Type {
	switch {
	case minutes <= 5:
		return LiveAnalysis
	case minutes <= 60:
		return InsightGeneration
	default:
		return DocumentDiscovery
	}
}

// Request is a task submission.
type Request struct {
	Type         Type                `json:"type"`
	Symbol       string              `json:"symbol,omitempty"`
	Priority     instrument.Priority `json:"priority"`
	Options      map[string]any      `json:"options,omitempty"`
	ScheduledFor time.Time           `json:"scheduled_for,omitzero"`
}

// Validate checks type, priority and symbol presence.
func (r Request) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, r.Priority)
	}
	if r.Type.NeedsSymbol() && strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w for %s", ErrSymbolRequired, r.Type)
	}
	return nil
}
