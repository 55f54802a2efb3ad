package conversion

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
	"fxwatch/internal/storage"
)

const topPairs = 5

// Analytics summarises conversion history.
type Analytics struct {
	TotalConversions   int             `json:"total_conversions"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	UniquePairs        int             `json:"unique_pairs"`
	MostFrequentPair   string          `json:"most_frequent_pair"`
	LargestAmount      decimal.Decimal `json:"largest_amount"`
	LargestAmountPair  string          `json:"largest_amount_pair"`
	LastConversionTime time.Time       `json:"last_conversion_time"`
}

// Analyze returns history totals. ok is false for an empty history.
// Ties for the most frequent pair go to the pair seen first.
func Analyze(history []storage.Conversion) (Analytics, bool) {
	if len(history) == 0 {
		return Analytics{}, false
	}

	out := Analytics{TotalConversions: len(history)}
	counts := newPairCounter()
	for _, item := range history {
		out.TotalAmount = out.TotalAmount.Add(item.Amount)
		counts.add(item.Pair)
		if item.Amount.GreaterThan(out.LargestAmount) {
			out.LargestAmount = item.Amount
			out.LargestAmountPair = item.Pair.String()
		}
	}
	out.TotalAmount = out.TotalAmount.Round(amountDigits)
	out.UniquePairs = len(counts.order)
	if ranked := counts.ranked(); len(ranked) > 0 {
		out.MostFrequentPair = ranked[0].Pair
	}
	out.LastConversionTime = history[len(history)-1].Time
	return out, true
}

// DailyTotal is the summed converted amount for one calendar day.
type DailyTotal struct {
	Date  string          `json:"date"`
	Total decimal.Decimal `json:"total"`
}

// PairCount counts conversions of one pair.
type PairCount struct {
	Pair  string `json:"pair"`
	Count int    `json:"count"`
}

// ModeCount counts conversions priced in one mode.
type ModeCount struct {
	Mode  currency.Mode `json:"mode"`
	Count int           `json:"count"`
}

// DashboardData feeds the dashboard charts.
type DashboardData struct {
	Daily    []DailyTotal `json:"daily"`
	TopPairs []PairCount  `json:"top_pairs"`
	Modes    []ModeCount  `json:"modes"`
}

// Dashboard aggregates history into daily totals (date ascending, in loc),
// the five most converted pairs and per-mode counts. live and simulated are
// always reported.
func Dashboard(history []storage.Conversion, loc *time.Location) DashboardData {
	if loc == nil {
		loc = time.UTC
	}

	daily := make(map[string]decimal.Decimal)
	counts := newPairCounter()
	modes := []ModeCount{{Mode: currency.ModeLive}, {Mode: currency.ModeSimulated}}

	for _, item := range history {
		day := item.Time.In(loc).Format("2006-01-02")
		daily[day] = daily[day].Add(item.Amount)
		counts.add(item.Pair)

		mode := item.Mode
		if mode == "" {
			mode = currency.ModeLive
		}
		found := false
		for i := range modes {
			if modes[i].Mode == mode {
				modes[i].Count++
				found = true
				break
			}
		}
		if !found {
			modes = append(modes, ModeCount{Mode: mode, Count: 1})
		}
	}

	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)

	out := DashboardData{
		Daily:    make([]DailyTotal, 0, len(days)),
		TopPairs: counts.ranked(),
		Modes:    modes,
	}
	for _, day := range days {
		out.Daily = append(out.Daily, DailyTotal{Date: day, Total: daily[day].Round(amountDigits)})
	}
	if len(out.TopPairs) > topPairs {
		out.TopPairs = out.TopPairs[:topPairs]
	}
	return out
}

type pairCounter struct {
	order  []string
	counts map[string]int
}

func newPairCounter() *pairCounter {
	return &pairCounter{counts: make(map[string]int)}
}

func (p *pairCounter) add(pair currency.Pair) {
	key := pair.String()
	if _, seen := p.counts[key]; !seen {
		p.order = append(p.order, key)
	}
	p.counts[key]++
}

// ranked orders pairs by count descending, first-seen first on ties.
func (p *pairCounter) ranked() []PairCount {
	out := make([]PairCount, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, PairCount{Pair: key, Count: p.counts[key]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}
