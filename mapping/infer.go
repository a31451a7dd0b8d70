// Package mapping suggests AccountMapping rules from a sample of mutations. It is
// pure: the same sample always yields the same suggestions, in the same order.
package mapping

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
)

const (
	RuleKeyword   = "keyword"
	RuleCodeRange = "code_range"
	RuleDefault   = "default"

	CategoryGeneral = "general"
)

var (
	ConfidenceKeyword   = decimal.NewFromFloat(0.9)
	ConfidenceCodeRange = decimal.NewFromFloat(0.6)
	ConfidenceDefault   = decimal.NewFromFloat(0.3)
)

// LedgerNames resolves ledger ids to chart codes and display names.
type LedgerNames interface {
	Code(ledgerID string) (string, bool)
	Name(ledgerID string) string
}

type Options struct {
	// MaxSamples caps the sample descriptions per suggestion.
	MaxSamples int
	// ExpenseSplitParties is the distinct counterparty count from which a 4xxx
	// expense ledger is treated as supplier spend rather than a journal.
	ExpenseSplitParties int
}

func (o Options) withDefaults() Options {
	if o.MaxSamples <= 0 {
		o.MaxSamples = 5
	}
	if o.ExpenseSplitParties <= 0 {
		o.ExpenseSplitParties = 3
	}
	return o
}

// LedgerStats aggregates the line items booked on one ledger code.
type LedgerStats struct {
	LedgerID      string                   `json:"ledger_id" yaml:"ledger_id"`
	LedgerCode    string                   `json:"ledger_code" yaml:"ledger_code"`
	LedgerName    string                   `json:"ledger_name" yaml:"ledger_name"`
	UsageCount    int                      `json:"usage_count" yaml:"usage_count"`
	PartyCount    int                      `json:"party_count" yaml:"party_count"`
	TotalAmount   decimal.Decimal          `json:"total_amount" yaml:"total_amount"`
	AverageAmount decimal.Decimal          `json:"average_amount" yaml:"average_amount"`
	Types         []models.TransactionType `json:"types" yaml:"types"`

	corpus  []string
	parties map[string]bool
	types   map[models.TransactionType]bool
}

type Suggestion struct {
	LedgerCode         string          `json:"ledger_code" yaml:"ledger_code"`
	LedgerName         string          `json:"ledger_name" yaml:"ledger_name"`
	DocumentType       models.DocType  `json:"document_type" yaml:"document_type"`
	Category           string          `json:"category" yaml:"category"`
	Confidence         decimal.Decimal `json:"confidence" yaml:"confidence"`
	Rule               string          `json:"rule" yaml:"rule"`
	SampleDescriptions []string        `json:"sample_descriptions" yaml:"sample_descriptions"`
	Stats              LedgerStats     `json:"stats" yaml:"stats"`
}

// ToAccountMapping turns the suggestion into an inactive draft an operator can enable.
func (s Suggestion) ToAccountMapping(businessId string) models.AccountMapping {
	m := models.AccountMapping{
		BusinessId:   businessId,
		LedgerCode:   s.LedgerCode,
		LedgerName:   s.LedgerName,
		DocumentType: s.DocumentType,
		Category:     s.Category,
		Confidence:   s.Confidence,
		IsActive:     false,
		Source:       models.MappingSourceInferred,
	}
	m.SetSampleDescriptions(s.SampleDescriptions)
	return m
}

type keywordRule struct {
	category string
	re       *regexp.Regexp
}

// Checked in order; the first hit wins.
var keywordRules = []keywordRule{
	{"tax", regexp.MustCompile(`\b(btw|vat|omzetbelasting|loonheffing|belasting(en|dienst)?|tax)\b`)},
	{"wages", regexp.MustCompile(`\b(salaris(sen)?|lonen|loon|wages|salary|salaries|payroll)\b`)},
	{"pension", regexp.MustCompile(`\b(pensioen\w*|pension)\b`)},
	{"insurance", regexp.MustCompile(`\b(verzekering\w*|assurantie\w*|insurance)\b`)},
	{"bank_fees", regexp.MustCompile(`\b(bankkosten|bank ?fees?|transactiekosten|rente|interest)\b`)},
}

type codeClass struct {
	category string
	docType  models.DocType
}

// First digit of the Dutch standard chart.
var codeClasses = map[byte]codeClass{
	'0': {"balance", models.DocTypeJournalEntry},
	'1': {"liquid", models.DocTypeJournalEntry},
	'2': {"interim", models.DocTypeJournalEntry},
	'3': {"inventory", models.DocTypePurchaseInvoice},
	'4': {"expense", models.DocTypePurchaseInvoice},
	'7': {"cost_of_sales", models.DocTypePurchaseInvoice},
	'8': {"revenue", models.DocTypeSalesInvoice},
	'9': {"result", models.DocTypeJournalEntry},
}

type identityNames struct{}

func (identityNames) Code(id string) (string, bool) { return id, id != "" }
func (identityNames) Name(string) string           { return "" }

// Collect groups the line items of the sample by ledger code. Mutations without rows
// count against their primary ledger.
func Collect(sample []mutation.Mutation, names LedgerNames) []*LedgerStats {
	if names == nil {
		names = identityNames{}
	}
	sorted := make([]mutation.Mutation, len(sample))
	copy(sorted, sample)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	groups := map[string]*LedgerStats{}
	add := func(m mutation.Mutation, ledgerID string, amount decimal.Decimal, desc string) {
		if ledgerID == "" {
			return
		}
		code, ok := names.Code(ledgerID)
		if !ok || code == "" {
			code = ledgerID
		}
		g, ok := groups[code]
		if !ok {
			g = &LedgerStats{
				LedgerID:   ledgerID,
				LedgerCode: code,
				LedgerName: names.Name(ledgerID),
				parties:    map[string]bool{},
				types:      map[models.TransactionType]bool{},
			}
			groups[code] = g
		}
		g.UsageCount++
		g.TotalAmount = g.TotalAmount.Add(amount.Abs())
		if m.RelationID != "" {
			g.parties[m.RelationID] = true
		}
		g.types[m.Type] = true
		if desc = strings.TrimSpace(desc); desc != "" {
			g.corpus = append(g.corpus, desc)
		}
	}

	for _, m := range sorted {
		if len(m.Rows) == 0 {
			add(m, m.LedgerID, m.Amount, m.Description)
			continue
		}
		for _, r := range m.Rows {
			desc := r.Description
			if desc == "" {
				desc = m.Description
			}
			add(m, r.LedgerID, r.Amount, desc)
		}
	}

	out := make([]*LedgerStats, 0, len(groups))
	for _, g := range groups {
		g.PartyCount = len(g.parties)
		g.AverageAmount = g.TotalAmount.Div(decimal.NewFromInt(int64(g.UsageCount))).Round(2)
		for t := range g.types {
			g.Types = append(g.Types, t)
		}
		sort.Slice(g.Types, func(i, j int) bool { return g.Types[i] < g.Types[j] })
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LedgerCode < out[j].LedgerCode })
	return out
}

// Infer runs the classifier cascade over every ledger group in the sample.
func Infer(sample []mutation.Mutation, names LedgerNames, opts Options) []Suggestion {
	opts = opts.withDefaults()
	groups := Collect(sample, names)
	out := make([]Suggestion, 0, len(groups))
	for _, g := range groups {
		s := classify(g, opts)
		s.SampleDescriptions = samples(g.corpus, opts.MaxSamples)
		out = append(out, s)
	}
	return out
}

func classify(g *LedgerStats, opts Options) Suggestion {
	s := Suggestion{LedgerCode: g.LedgerCode, LedgerName: g.LedgerName, Stats: *g}

	text := strings.ToLower(g.LedgerName + " " + strings.Join(g.corpus, " "))
	for _, k := range keywordRules {
		if k.re.MatchString(text) {
			s.DocumentType = models.DocTypeJournalEntry
			s.Category = k.category
			s.Confidence = ConfidenceKeyword
			s.Rule = RuleKeyword
			return s
		}
	}

	if g.LedgerCode != "" {
		if c, ok := codeClasses[g.LedgerCode[0]]; ok {
			s.DocumentType = c.docType
			s.Category = c.category
			s.Confidence = ConfidenceCodeRange
			s.Rule = RuleCodeRange
			if g.LedgerCode[0] == '4' && g.PartyCount < opts.ExpenseSplitParties {
				s.DocumentType = models.DocTypeJournalEntry
			}
			return s
		}
	}

	s.DocumentType = models.DocTypePurchaseInvoice
	s.Category = CategoryGeneral
	s.Confidence = ConfidenceDefault
	s.Rule = RuleDefault
	return s
}

// samples keeps the first distinct descriptions in corpus order.
func samples(corpus []string, max int) []string {
	seen := map[string]bool{}
	out := make([]string, 0, max)
	for _, d := range corpus {
		key := strings.ToLower(d)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
		if len(out) == max {
			break
		}
	}
	return out
}
