package mapping

import (
	"sort"
	"time"

	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
)

type LedgerUsage struct {
	LedgerCode string `json:"ledger_code" yaml:"ledger_code"`
	LedgerName string `json:"ledger_name" yaml:"ledger_name"`
	Count      int    `json:"count" yaml:"count"`
}

// Analysis is the side-effect free overview shown before a first run.
type Analysis struct {
	Total       int                            `json:"total" yaml:"total"`
	Unparseable int                            `json:"unparseable" yaml:"unparseable"`
	From        *time.Time                     `json:"from,omitempty" yaml:"from,omitempty"`
	To          *time.Time                     `json:"to,omitempty" yaml:"to,omitempty"`
	Types       map[models.TransactionType]int `json:"types" yaml:"types"`
	Ledgers     []LedgerUsage                  `json:"ledgers" yaml:"ledgers"`
	Suggestions []Suggestion                   `json:"suggestions" yaml:"suggestions"`
}

// Analyze reports the type and ledger distribution of the sample together with the
// recommended mappings.
func Analyze(sample []mutation.Mutation, names LedgerNames, opts Options) Analysis {
	a := Analysis{
		Total: len(sample),
		Types: map[models.TransactionType]int{},
	}
	for _, m := range sample {
		a.Types[m.Type]++
		if m.Date.IsZero() {
			continue
		}
		d := m.Date
		if a.From == nil || d.Before(*a.From) {
			a.From = &d
		}
		if a.To == nil || d.After(*a.To) {
			a.To = &d
		}
	}

	for _, g := range Collect(sample, names) {
		a.Ledgers = append(a.Ledgers, LedgerUsage{
			LedgerCode: g.LedgerCode,
			LedgerName: g.LedgerName,
			Count:      g.UsageCount,
		})
	}
	sort.SliceStable(a.Ledgers, func(i, j int) bool {
		if a.Ledgers[i].Count != a.Ledgers[j].Count {
			return a.Ledgers[i].Count > a.Ledgers[j].Count
		}
		return a.Ledgers[i].LedgerCode < a.Ledgers[j].LedgerCode
	})

	a.Suggestions = Infer(sample, names, opts)
	return a
}
