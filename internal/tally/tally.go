// Package tally derives district and island level views from the raw record
// set. Every function is pure and deterministic: identical (districts,
// records) input yields identical output regardless of call history, which is
// what lets any subscriber rebuild the same view from the same snapshot.
package tally

import (
	"sort"

	"github.com/tallywire/tallywire/internal/schema"
)

// PartyTotal is an accumulated vote count for one party.
type PartyTotal struct {
	PartyCode string `json:"party_code"`
	PartyName string `json:"party_name,omitempty"`
	Votes     int64  `json:"votes"`
}

// DistrictRollup aggregates the latest division results of one district.
type DistrictRollup struct {
	EDCode            string       `json:"ed_code"`
	EDName            string       `json:"ed_name"`
	DivisionCodes     []string     `json:"divisionCodes"`
	ReportedDivisions []string     `json:"reportedDivisions"`
	ReportedCount     int          `json:"reportedCount"`
	TotalDivisions    int          `json:"totalDivisions"`
	CoverageRatio     float64      `json:"coverageRatio"`
	Complete          bool         `json:"complete"`
	Parties           []PartyTotal `json:"parties"`
	TopParty          string       `json:"topParty,omitempty"`
	TopVotes          int64        `json:"topVotes"`
}

// DivisionStanding summarises the latest record of one polling division.
type DivisionStanding struct {
	ID         string  `json:"id"`
	EDCode     string  `json:"ed_code"`
	EDName     string  `json:"ed_name"`
	PDCode     string  `json:"pd_code"`
	PDName     string  `json:"pd_name"`
	TotalVotes int64   `json:"totalVotes"`
	LeadParty  string  `json:"leadParty,omitempty"`
	LeadVotes  int64   `json:"leadVotes"`
	Margin     int64   `json:"margin"`
	MarginPct  float64 `json:"marginPct"`
}

// TrendPoint is one step of a running series indexed by arrival order.
type TrendPoint struct {
	Index int   `json:"x"`
	Value int64 `json:"y"`
}

// PartySeries is the cumulative vote series for one party.
type PartySeries struct {
	PartyCode string       `json:"party_code"`
	Points    []TrendPoint `json:"points"`
}

// Trend bundles the arrival-ordered running series: cumulative votes per
// party and districts complete so far. Both are monotonic only with respect
// to the record set they were computed from; they are recomputed fresh from
// the current override-applied records, never patched incrementally, so an
// override that lowers a division's votes lowers the series too.
type Trend struct {
	Parties            []PartySeries `json:"parties"`
	DistrictsComplete  []TrendPoint  `json:"districtsComplete"`
	TotalDistricts     int           `json:"totalDistricts"`
	CompletedDistricts int           `json:"completedDistricts"`
}

// LatestPerDivision picks, for each pd_code with at least one record, the one
// with the greatest createdAt; equal timestamps resolve to the later position
// in snapshot order. Records without a pd_code are skipped. Output preserves
// first-encounter order of the pd codes.
func LatestPerDivision(records []*schema.ResultRecord) []*schema.ResultRecord {
	index := make(map[string]int)
	latest := make([]*schema.ResultRecord, 0, len(records))
	for _, r := range records {
		if r == nil || r.PDCode == "" {
			continue
		}
		if at, seen := index[r.PDCode]; seen {
			if !r.CreatedAt.Before(latest[at].CreatedAt) {
				latest[at] = r
			}
			continue
		}
		index[r.PDCode] = len(latest)
		latest = append(latest, r)
	}
	return latest
}

// DistrictRollups computes one rollup per catalog district from the latest
// division records. Division codes absent from the catalog never count
// towards any district. A district with zero catalog divisions reports
// coverage 0 and complete=false.
func DistrictRollups(districts []schema.District, latest []*schema.ResultRecord) []DistrictRollup {
	byDivision := make(map[string]*schema.ResultRecord, len(latest))
	for _, r := range latest {
		byDivision[r.PDCode] = r
	}

	rollups := make([]DistrictRollup, 0, len(districts))
	for _, d := range districts {
		rollup := DistrictRollup{
			EDCode:        d.ID,
			EDName:        d.Name,
			DivisionCodes: make([]string, 0, len(d.Divisions)),
		}
		var reported []*schema.ResultRecord
		for _, div := range d.Divisions {
			rollup.DivisionCodes = append(rollup.DivisionCodes, div.ID)
			if r, ok := byDivision[div.ID]; ok {
				reported = append(reported, r)
				rollup.ReportedDivisions = append(rollup.ReportedDivisions, r.PDCode)
			}
		}
		rollup.ReportedCount = len(rollup.ReportedDivisions)
		rollup.TotalDivisions = len(d.Divisions)
		if rollup.TotalDivisions > 0 {
			rollup.CoverageRatio = float64(rollup.ReportedCount) / float64(rollup.TotalDivisions)
			rollup.Complete = rollup.ReportedCount == rollup.TotalDivisions
		}
		rollup.Parties = sumParties(reported)
		if len(rollup.Parties) > 0 {
			rollup.TopParty = rollup.Parties[0].PartyCode
			rollup.TopVotes = rollup.Parties[0].Votes
		}
		rollups = append(rollups, rollup)
	}
	return rollups
}

// IslandTotals sums party votes across all district rollups, descending by
// votes. Ties keep first-encountered accumulation order.
func IslandTotals(rollups []DistrictRollup) []PartyTotal {
	acc := newPartyAccumulator()
	for _, rollup := range rollups {
		for _, p := range rollup.Parties {
			acc.add(p.PartyCode, p.PartyName, p.Votes)
		}
	}
	return acc.sorted()
}

// DivisionStandings derives the per-division leader board from the latest
// records: total votes, leading party, and margin over the runner-up.
func DivisionStandings(latest []*schema.ResultRecord) []DivisionStanding {
	standings := make([]DivisionStanding, 0, len(latest))
	for _, r := range latest {
		parties := make([]schema.PartyTally, len(r.ByParty))
		copy(parties, r.ByParty)
		sort.SliceStable(parties, func(i, j int) bool { return parties[i].Votes > parties[j].Votes })

		s := DivisionStanding{
			ID:     r.ID,
			EDCode: r.EDCode,
			EDName: r.EDName,
			PDCode: r.PDCode,
			PDName: r.PDName,
		}
		for _, p := range parties {
			s.TotalVotes += p.Votes
		}
		if len(parties) > 0 {
			lead := parties[0]
			s.LeadParty = lead.PartyCode
			s.LeadVotes = lead.Votes
			if len(parties) > 1 {
				s.Margin = lead.Votes - parties[1].Votes
				divisor := lead.Votes
				if divisor == 0 {
					divisor = 1
				}
				s.MarginPct = float64(s.Margin) / float64(divisor)
			} else {
				s.Margin = lead.Votes
				s.MarginPct = 1
			}
		}
		standings = append(standings, s)
	}
	return standings
}

// TrendSeries walks the records in arrival order and produces the running
// cumulative vote total per party plus the count of districts complete so
// far.
func TrendSeries(districts []schema.District, records []*schema.ResultRecord) Trend {
	totals := make(map[string]int, len(districts))
	for _, d := range districts {
		totals[d.ID] = len(d.Divisions)
	}

	trend := Trend{TotalDistricts: len(districts)}
	seriesIndex := make(map[string]int)
	cumulative := make(map[string]int64)
	reported := make(map[string]map[string]struct{})
	completed := make(map[string]struct{})

	for i, r := range records {
		if r == nil {
			continue
		}
		for _, p := range r.ByParty {
			cumulative[p.PartyCode] += p.Votes
			at, seen := seriesIndex[p.PartyCode]
			if !seen {
				at = len(trend.Parties)
				seriesIndex[p.PartyCode] = at
				trend.Parties = append(trend.Parties, PartySeries{PartyCode: p.PartyCode})
			}
			trend.Parties[at].Points = append(trend.Parties[at].Points, TrendPoint{Index: i + 1, Value: cumulative[p.PartyCode]})
		}

		if r.PDCode != "" && r.EDCode != "" {
			set := reported[r.EDCode]
			if set == nil {
				set = make(map[string]struct{})
				reported[r.EDCode] = set
			}
			set[r.PDCode] = struct{}{}
			if total, ok := totals[r.EDCode]; ok && total > 0 && len(set) == total {
				completed[r.EDCode] = struct{}{}
			}
		}
		trend.DistrictsComplete = append(trend.DistrictsComplete, TrendPoint{Index: i + 1, Value: int64(len(completed))})
	}
	trend.CompletedDistricts = len(completed)
	return trend
}

// partyAccumulator sums votes per party preserving first-encounter order.
type partyAccumulator struct {
	index  map[string]int
	totals []PartyTotal
}

func newPartyAccumulator() *partyAccumulator {
	return &partyAccumulator{index: make(map[string]int)}
}

func (a *partyAccumulator) add(code, name string, votes int64) {
	if at, ok := a.index[code]; ok {
		a.totals[at].Votes += votes
		if a.totals[at].PartyName == "" {
			a.totals[at].PartyName = name
		}
		return
	}
	a.index[code] = len(a.totals)
	a.totals = append(a.totals, PartyTotal{PartyCode: code, PartyName: name, Votes: votes})
}

// sorted returns the totals descending by votes; the stable sort keeps
// first-encountered order on equal vote counts.
func (a *partyAccumulator) sorted() []PartyTotal {
	out := make([]PartyTotal, len(a.totals))
	copy(out, a.totals)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Votes > out[j].Votes })
	return out
}

func sumParties(records []*schema.ResultRecord) []PartyTotal {
	acc := newPartyAccumulator()
	for _, r := range records {
		for _, p := range r.ByParty {
			acc.add(p.PartyCode, p.PartyName, p.Votes)
		}
	}
	return acc.sorted()
}
