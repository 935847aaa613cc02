// Package schema defines the canonical record, catalog, and event types
// shared across the tallywire pipeline.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tallywire/tallywire/errs"
)

// PartyTally is one party line within a division report.
type PartyTally struct {
	PartyCode  string  `json:"party_code"`
	PartyName  string  `json:"party_name,omitempty"`
	Candidate  string  `json:"candidate,omitempty"`
	Votes      int64   `json:"votes"`
	Percentage float64 `json:"percentage"`
}

// Summary carries the ballot counts reported for a division.
type Summary struct {
	Valid           int64   `json:"valid"`
	Rejected        int64   `json:"rejected"`
	Polled          int64   `json:"polled"`
	Electors        int64   `json:"electors"`
	PercentValid    float64 `json:"percent_valid"`
	PercentRejected float64 `json:"percent_rejected"`
	PercentPolled   float64 `json:"percent_polled"`
}

// ResultRecord is the stored form of one polling division's reported tally.
// ID and CreatedAt are assigned by the store on insert and survive overrides.
type ResultRecord struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`

	Timestamp      string `json:"timestamp,omitempty"`
	Level          string `json:"level,omitempty"`
	EDCode         string `json:"ed_code,omitempty"`
	EDName         string `json:"ed_name,omitempty"`
	PDCode         string `json:"pd_code,omitempty"`
	PDName         string `json:"pd_name,omitempty"`
	Type           string `json:"type,omitempty"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	Reference      string `json:"reference,omitempty"`

	Summary Summary      `json:"summary"`
	ByParty []PartyTally `json:"by_party"`
}

// Submission is an inbound result payload before the store has resolved it.
// Scalar fields left at their zero value are treated as omitted and keep the
// prior record's values on override; Summary and ByParty are mandatory and
// always replace.
type Submission struct {
	Timestamp      string `json:"timestamp,omitempty"`
	Level          string `json:"level,omitempty"`
	EDCode         string `json:"ed_code,omitempty"`
	EDName         string `json:"ed_name,omitempty"`
	PDCode         string `json:"pd_code,omitempty"`
	PDName         string `json:"pd_name,omitempty"`
	Type           string `json:"type,omitempty"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	Reference      string `json:"reference,omitempty"`

	Summary *Summary     `json:"summary"`
	ByParty []PartyTally `json:"by_party"`
}

// Validate checks the structural invariants every submission must satisfy:
// a summary block and a by_party list (the list may be empty).
func (s *Submission) Validate() error {
	if s == nil {
		return errs.New("schema/submission", errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	if s.Summary == nil {
		return errs.New("schema/submission", errs.CodeInvalid, errs.WithMessage("summary required"))
	}
	if s.ByParty == nil {
		return errs.New("schema/submission", errs.CodeInvalid, errs.WithMessage("by_party list required"))
	}
	seen := make(map[string]struct{}, len(s.ByParty))
	for _, p := range s.ByParty {
		code := strings.TrimSpace(p.PartyCode)
		if code == "" {
			return errs.New("schema/submission", errs.CodeInvalid, errs.WithMessage("party_code required for every by_party entry"))
		}
		if _, dup := seen[code]; dup {
			return errs.New("schema/submission", errs.CodeInvalid, errs.WithMessage("duplicate party_code "+code))
		}
		seen[code] = struct{}{}
	}
	return nil
}

// Normalize trims identifier fields in place.
func (s *Submission) Normalize() {
	s.EDCode = strings.TrimSpace(s.EDCode)
	s.EDName = strings.TrimSpace(s.EDName)
	s.PDCode = strings.TrimSpace(s.PDCode)
	s.PDName = strings.TrimSpace(s.PDName)
	s.SequenceNumber = strings.TrimSpace(s.SequenceNumber)
	s.Reference = strings.TrimSpace(s.Reference)
}

var hundred = decimal.NewFromInt(100)

// Recalculate rederives party percentages from vote shares and fills the
// summary's valid count and percent_valid when absent, rounding to two
// decimal places. Mirrors the field agents' entry form behaviour.
func (s *Submission) Recalculate() {
	if s.Summary == nil {
		return
	}
	var total int64
	for _, p := range s.ByParty {
		total += p.Votes
	}
	if total > 0 {
		divisor := decimal.NewFromInt(total)
		for i := range s.ByParty {
			share := decimal.NewFromInt(s.ByParty[i].Votes).Mul(hundred).Div(divisor)
			s.ByParty[i].Percentage = share.Round(2).InexactFloat64()
		}
		if s.Summary.Valid == 0 {
			s.Summary.Valid = total
		}
	}
	if s.Summary.Valid > 0 && s.Summary.Polled > 0 {
		pct := decimal.NewFromInt(s.Summary.Valid).Mul(hundred).Div(decimal.NewFromInt(s.Summary.Polled))
		s.Summary.PercentValid = pct.Round(2).InexactFloat64()
	}
}

// Clone returns a deep copy of the record.
func (r *ResultRecord) Clone() *ResultRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.UpdatedAt != nil {
		at := *r.UpdatedAt
		clone.UpdatedAt = &at
	}
	if r.ByParty != nil {
		clone.ByParty = make([]PartyTally, len(r.ByParty))
		copy(clone.ByParty, r.ByParty)
	}
	return &clone
}

// CloneRecords deep-copies a record slice preserving order.
func CloneRecords(records []*ResultRecord) []*ResultRecord {
	if records == nil {
		return nil
	}
	out := make([]*ResultRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
