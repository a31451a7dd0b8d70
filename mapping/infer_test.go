package mapping

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
)

type names map[string][2]string

func (n names) Code(id string) (string, bool) {
	v, ok := n[id]
	return v[0], ok
}

func (n names) Name(id string) string { return n[id][1] }

func mut(id int64, t models.TransactionType, relation, ledger, amount, desc string) mutation.Mutation {
	return mutation.Mutation{
		SourceID:    id,
		Type:        t,
		Date:        time.Date(2024, 1, int(id%28)+1, 0, 0, 0, 0, time.UTC),
		RelationID:  relation,
		LedgerID:    ledger,
		Amount:      decimal.RequireFromString(amount),
		Description: desc,
		Rows:        []mutation.Row{},
	}
}

func sampleCorpus() []mutation.Mutation {
	return []mutation.Mutation{
		mut(1, models.TransactionMoneyOut, "", "4000", "-2500", "Salaris januari"),
		mut(2, models.TransactionMoneyOut, "", "4000", "-2500", "Salaris februari"),
		mut(3, models.TransactionSalesInvoice, "C1", "8000", "100", "Contributie 2024"),
		mut(4, models.TransactionSalesInvoice, "C2", "8000", "300", "Contributie 2024"),
		mut(5, models.TransactionPurchaseInvoice, "S1", "4300", "50", "Drukwerk"),
		mut(6, models.TransactionPurchaseInvoice, "S2", "4300", "70", "Kantoorartikelen"),
		mut(7, models.TransactionPurchaseInvoice, "S3", "4300", "90", "Porto"),
		mut(8, models.TransactionPurchaseInvoice, "S1", "4500", "20", "Koffie"),
		mut(9, models.TransactionMemorial, "", "5100", "10", "Correctie"),
		mut(10, models.TransactionMoneyOut, "", "1100", "-4.50", "Bankkosten ING"),
	}
}

func bySuggestionCode(s []Suggestion) map[string]Suggestion {
	out := map[string]Suggestion{}
	for _, x := range s {
		out[x.LedgerCode] = x
	}
	return out
}

func TestInfer_Cascade(t *testing.T) {
	got := bySuggestionCode(Infer(sampleCorpus(), nil, Options{}))

	cases := []struct {
		code     string
		docType  models.DocType
		category string
		rule     string
	}{
		{"4000", models.DocTypeJournalEntry, "wages", RuleKeyword},
		{"1100", models.DocTypeJournalEntry, "bank_fees", RuleKeyword},
		{"8000", models.DocTypeSalesInvoice, "revenue", RuleCodeRange},
		{"4300", models.DocTypePurchaseInvoice, "expense", RuleCodeRange},
		{"4500", models.DocTypeJournalEntry, "expense", RuleCodeRange},
		{"5100", models.DocTypePurchaseInvoice, CategoryGeneral, RuleDefault},
	}
	for _, tc := range cases {
		s, ok := got[tc.code]
		if !ok {
			t.Fatalf("no suggestion for %s", tc.code)
		}
		if s.DocumentType != tc.docType || s.Category != tc.category || s.Rule != tc.rule {
			t.Fatalf("%s: got %s/%s/%s, expected %s/%s/%s", tc.code, s.DocumentType, s.Category, s.Rule, tc.docType, tc.category, tc.rule)
		}
	}
	if !got["4000"].Confidence.Equal(ConfidenceKeyword) || !got["4300"].Confidence.Equal(ConfidenceCodeRange) || !got["5100"].Confidence.Equal(ConfidenceDefault) {
		t.Fatalf("unexpected confidences")
	}
}

func TestInfer_Stats(t *testing.T) {
	got := bySuggestionCode(Infer(sampleCorpus(), nil, Options{}))
	s := got["4300"].Stats
	if s.UsageCount != 3 || s.PartyCount != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if !s.AverageAmount.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected average 70, got %s", s.AverageAmount)
	}
	if samples := got["8000"].SampleDescriptions; len(samples) != 1 || samples[0] != "Contributie 2024" {
		t.Fatalf("expected one distinct sample, got %v", samples)
	}
}

func TestInfer_Deterministic(t *testing.T) {
	corpus := sampleCorpus()
	first := Infer(corpus, nil, Options{})

	reversed := make([]mutation.Mutation, len(corpus))
	for i, m := range corpus {
		reversed[len(corpus)-1-i] = m
	}
	second := Infer(reversed, nil, Options{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("inference depends on input order")
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].LedgerCode >= first[i].LedgerCode {
			t.Fatalf("suggestions not sorted by code")
		}
	}
}

func TestInfer_SamplesCapped(t *testing.T) {
	var corpus []mutation.Mutation
	for i := int64(1); i <= 8; i++ {
		corpus = append(corpus, mut(i, models.TransactionPurchaseInvoice, "S1", "7000", "10", "inkoop "+string(rune('a'+i))))
	}
	got := Infer(corpus, nil, Options{})
	if len(got) != 1 || len(got[0].SampleDescriptions) != 5 {
		t.Fatalf("expected 5 samples, got %+v", got)
	}
	if got[0].SampleDescriptions[0] != "inkoop b" {
		t.Fatalf("samples should follow source order, got %v", got[0].SampleDescriptions)
	}
}

func TestInfer_RowsAndLedgerNames(t *testing.T) {
	m := mut(20, models.TransactionMemorial, "", "L1", "0", "Afsluiting")
	m.Rows = []mutation.Row{
		{LedgerID: "L2", Amount: decimal.NewFromInt(100), Description: "Premie"},
		{LedgerID: "L3", Amount: decimal.NewFromInt(-100)},
	}
	n := names{
		"L2": {"4400", "Verzekeringen"},
		"L3": {"1000", "Kas"},
	}
	got := bySuggestionCode(Infer([]mutation.Mutation{m}, n, Options{}))
	if _, ok := got["L1"]; ok {
		t.Fatalf("primary ledger must not be grouped when rows exist")
	}
	if s := got["4400"]; s.Category != "insurance" || s.LedgerName != "Verzekeringen" {
		t.Fatalf("expected insurance from ledger name, got %+v", s)
	}
	if s := got["1000"]; s.Category != "liquid" || s.SampleDescriptions[0] != "Afsluiting" {
		t.Fatalf("row without description should use the mutation's, got %+v", s)
	}
}

func TestSuggestion_ToAccountMapping(t *testing.T) {
	s := Suggestion{
		LedgerCode:         "4000",
		DocumentType:       models.DocTypeJournalEntry,
		Category:           "wages",
		Confidence:         ConfidenceKeyword,
		SampleDescriptions: []string{"Salaris januari"},
	}
	m := s.ToAccountMapping("b1")
	if m.IsActive || m.Source != models.MappingSourceInferred || m.BusinessId != "b1" {
		t.Fatalf("unexpected draft %+v", m)
	}
	if got := m.SampleDescriptions(); len(got) != 1 || got[0] != "Salaris januari" {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestAnalyze(t *testing.T) {
	a := Analyze(sampleCorpus(), nil, Options{})
	if a.Total != 10 || a.Types[models.TransactionPurchaseInvoice] != 4 {
		t.Fatalf("unexpected distribution %+v", a.Types)
	}
	if a.Ledgers[0].LedgerCode != "4300" || a.Ledgers[0].Count != 3 {
		t.Fatalf("expected 4300 as busiest ledger, got %+v", a.Ledgers[0])
	}
	if a.From == nil || a.To == nil || !a.From.Before(*a.To) {
		t.Fatalf("expected a date span, got %v %v", a.From, a.To)
	}
	if len(a.Suggestions) != len(a.Ledgers) {
		t.Fatalf("expected one suggestion per ledger")
	}
}
