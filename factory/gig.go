/*
Package factory converts JSON gig definitions into billing.Gig.

PURPOSE:
  Gigs arrive as JSON from the dashboard and from the demo scenarios. The
  factory parses them, fills defaults and runs billing's validation so a
  bad definition never reaches the store.

JSON SCHEMA:
  {
    "id": "gig-brand-refresh",
    "commissioner_id": "comm-acme",
    "title": "Brand refresh",
    "budget": {"lower": "6000", "upper": "9000"},
    "invoicing_method": "milestone",
    "milestones": [
      {"id": "m1", "title": "Moodboard", "start": "2025-03-01", "end": "2025-03-14"},
      {"id": "m2", "title": "Logo"},
      {"id": "m3", "title": "Guidelines"}
    ]
  }

  Budget bounds accept JSON numbers or strings. Dates are YYYY-MM-DD or
  RFC 3339. invoicing_method defaults to completion.

SEE ALSO:
  - billing/types.go: Gig, Milestone, Gig.Validate
  - api/scenarios.go: demo gigs built with GigJSON
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type GigJSON struct {
	ID              string          `json:"id"`
	CommissionerID  string          `json:"commissioner_id"`
	Title           string          `json:"title"`
	Budget          BudgetJSON      `json:"budget"`
	InvoicingMethod string          `json:"invoicing_method,omitempty"`
	Milestones      []MilestoneJSON `json:"milestones,omitempty"`
}

// BudgetJSON is the commissioner's budget range. Upper may be omitted.
type BudgetJSON struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
}

type MilestoneJSON struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
}

// =============================================================================
// GIG FACTORY
// =============================================================================

// GigFactory converts JSON gigs to billing.Gig.
type GigFactory struct {
	// Now stamps CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

func NewGigFactory() *GigFactory {
	return &GigFactory{Now: func() time.Time { return time.Now().UTC() }}
}

// ParseGig decodes and validates one gig definition.
func (f *GigFactory) ParseGig(data []byte) (*billing.Gig, error) {
	var gj GigJSON
	if err := json.Unmarshal(data, &gj); err != nil {
		return nil, &billing.ValidationError{Field: "body", Code: "invalid_json", Reason: err.Error()}
	}
	return f.BuildGig(gj)
}

// BuildGig converts an already decoded definition.
func (f *GigFactory) BuildGig(gj GigJSON) (*billing.Gig, error) {
	method := billing.MethodCompletion
	if strings.TrimSpace(gj.InvoicingMethod) != "" {
		m, err := billing.ParseInvoicingMethod(gj.InvoicingMethod)
		if err != nil {
			return nil, err
		}
		method = m
	}

	gig := &billing.Gig{
		ID:              strings.TrimSpace(gj.ID),
		CommissionerID:  strings.TrimSpace(gj.CommissionerID),
		Title:           strings.TrimSpace(gj.Title),
		BudgetLower:     gj.Budget.Lower,
		BudgetUpper:     gj.Budget.Upper,
		InvoicingMethod: method,
		Status:          billing.GigAvailable,
		CreatedAt:       f.now(),
	}

	for i, mj := range gj.Milestones {
		m, err := parseMilestone(mj)
		if err != nil {
			return nil, fmt.Errorf("milestone %d: %w", i+1, err)
		}
		gig.Milestones = append(gig.Milestones, m)
	}

	if err := gig.Validate(); err != nil {
		return nil, err
	}
	return gig, nil
}

func (f *GigFactory) now() time.Time {
	if f.Now == nil {
		return time.Now().UTC()
	}
	return f.Now().UTC()
}

func parseMilestone(mj MilestoneJSON) (billing.Milestone, error) {
	m := billing.Milestone{
		ID:          strings.TrimSpace(mj.ID),
		Title:       mj.Title,
		Description: mj.Description,
	}
	var err error
	if m.Start, err = parseDate("start", mj.Start); err != nil {
		return m, err
	}
	if m.End, err = parseDate("end", mj.End); err != nil {
		return m, err
	}
	return m, nil
}

// parseDate accepts YYYY-MM-DD and RFC 3339. Empty means unset.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: field, Reason: fmt.Sprintf("invalid date %q", s)}
	}
	return t.UTC(), nil
}

// =============================================================================
// PRESETS
// =============================================================================

// MilestoneGigJSON builds a milestone gig with n evenly named milestones.
func MilestoneGigJSON(id, commissionerID, title string, budget decimal.Decimal, n int) GigJSON {
	gj := GigJSON{
		ID:              id,
		CommissionerID:  commissionerID,
		Title:           title,
		Budget:          BudgetJSON{Lower: budget, Upper: budget},
		InvoicingMethod: string(billing.MethodMilestone),
	}
	for i := 0; i < n; i++ {
		gj.Milestones = append(gj.Milestones, MilestoneJSON{
			ID:    fmt.Sprintf("m%d", i+1),
			Title: fmt.Sprintf("Milestone %d", i+1),
		})
	}
	return gj
}

// CompletionGigJSON builds a completion gig.
func CompletionGigJSON(id, commissionerID, title string, budget decimal.Decimal) GigJSON {
	return GigJSON{
		ID:              id,
		CommissionerID:  commissionerID,
		Title:           title,
		Budget:          BudgetJSON{Lower: budget, Upper: budget},
		InvoicingMethod: string(billing.MethodCompletion),
	}
}
