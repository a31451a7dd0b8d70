package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/eboekhouden/models"
)

var ErrUnparseable = errors.New("unparseable mutation")

// NormalizeError keeps the raw payload so the run can store it next to the error.
type NormalizeError struct {
	SourceID int64
	Field    string
	Raw      Raw
	Err      error
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("mutation %d: %s: %v", e.SourceID, e.Field, e.Err)
}

func (e *NormalizeError) Unwrap() error { return e.Err }

func (e *NormalizeError) Is(target error) bool { return target == ErrUnparseable }

// vendor keys per dialect
type dialectKeys struct {
	id, kind, date, invoice, relation, ledger, amount, description, term, rows string
	rowLedger, rowAmount, rowVAT, rowVATCode, rowDescription                   []string
}

var soapKeys = dialectKeys{
	id:             "MutatieNr",
	kind:           "Soort",
	date:           "Datum",
	invoice:        "Factuurnummer",
	relation:       "RelatieCode",
	ledger:         "Rekening",
	amount:         "Bedrag",
	description:    "Omschrijving",
	term:           "Betalingstermijn",
	rows:           "MutatieRegels",
	rowLedger:      []string{"TegenrekeningCode"},
	rowAmount:      []string{"BedragExclBTW", "BedragInvoer", "BedragInclBTW"},
	rowVAT:         []string{"BedragBTW"},
	rowVATCode:     []string{"BTWCode"},
	rowDescription: []string{"Omschrijving"},
}

var restKeys = dialectKeys{
	id:             "id",
	kind:           "type",
	date:           "date",
	invoice:        "invoiceNumber",
	relation:       "relationId",
	ledger:         "ledgerId",
	amount:         "amount",
	description:    "description",
	term:           "termOfPayment",
	rows:           "rows",
	rowLedger:      []string{"ledgerId"},
	rowAmount:      []string{"amount"},
	rowVAT:         []string{"vatAmount"},
	rowVATCode:     []string{"vatCode"},
	rowDescription: []string{"description"},
}

// DetectDialect tells SOAP payloads (Dutch keys) from REST ones.
func DetectDialect(raw Raw) models.Dialect {
	if _, ok := raw["MutatieNr"]; ok {
		return models.DialectSOAP
	}
	if _, ok := raw["Soort"]; ok {
		return models.DialectSOAP
	}
	return models.DialectREST
}

func keysFor(d models.Dialect) dialectKeys {
	if d == models.DialectSOAP {
		return soapKeys
	}
	return restKeys
}

// Normalize maps either vendor dialect to a Mutation. Bad ids, dates and amounts are
// errors; an unrecognised type is not, it becomes UNKNOWN.
func Normalize(raw Raw) (Mutation, error) {
	dialect := DetectDialect(raw)
	keys := keysFor(dialect)

	id, err := parseID(raw[keys.id])
	if err != nil {
		return Mutation{}, &NormalizeError{Field: keys.id, Raw: raw, Err: err}
	}
	fail := func(field string, err error) (Mutation, error) {
		return Mutation{}, &NormalizeError{SourceID: id, Field: field, Raw: raw, Err: err}
	}

	date, err := ParseDate(raw[keys.date])
	if err != nil {
		return fail(keys.date, err)
	}

	m := Mutation{
		SourceID:      id,
		Type:          ParseTransactionType(raw[keys.kind]),
		RawType:       stringOf(raw[keys.kind]),
		Date:          date,
		InvoiceNumber: stringOf(raw[keys.invoice]),
		RelationID:    stringOf(raw[keys.relation]),
		LedgerID:      stringOf(raw[keys.ledger]),
		Description:   stringOf(raw[keys.description]),
		Dialect:       dialect,
		Rows:          []Row{},
	}
	m.InvoiceNumbers = SplitInvoiceNumbers(m.InvoiceNumber)

	if v, ok := raw[keys.term]; ok && stringOf(v) != "" {
		days, err := strconv.Atoi(stringOf(v))
		if err != nil {
			return fail(keys.term, err)
		}
		m.PaymentTermDays = &days
	}

	rows, err := parseRows(raw[keys.rows], keys)
	if err != nil {
		return fail(keys.rows, err)
	}
	m.Rows = rows

	if v, ok := raw[keys.amount]; ok && stringOf(v) != "" {
		amount, err := ParseAmount(v)
		if err != nil {
			return fail(keys.amount, err)
		}
		m.Amount = amount
	} else if len(rows) > 0 {
		total := decimal.Zero
		for _, r := range rows {
			total = total.Add(r.Gross())
		}
		m.Amount = total.Round(2)
	} else {
		return fail(keys.amount, errors.New("missing amount"))
	}

	return m, nil
}

func parseRows(v any, keys dialectKeys) ([]Row, error) {
	out := []Row{}
	if v == nil {
		return out, nil
	}
	var items []map[string]any
	switch t := v.(type) {
	case []map[string]any:
		items = t
	case []Raw:
		for _, r := range t {
			items = append(items, map[string]any(r))
		}
	case []any:
		for _, x := range t {
			switch m := x.(type) {
			case map[string]any:
				items = append(items, m)
			case Raw:
				items = append(items, map[string]any(m))
			default:
				return nil, fmt.Errorf("row has type %T", x)
			}
		}
	default:
		return nil, fmt.Errorf("rows have type %T", v)
	}

	for i, item := range items {
		row := Row{
			LedgerID:    firstString(item, keys.rowLedger),
			VATCode:     firstString(item, keys.rowVATCode),
			Description: firstString(item, keys.rowDescription),
		}
		amountRaw, ok := firstPresent(item, keys.rowAmount)
		if !ok {
			return nil, fmt.Errorf("row %d: missing amount", i)
		}
		amount, err := ParseAmount(amountRaw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		row.Amount = amount
		if vatRaw, ok := firstPresent(item, keys.rowVAT); ok {
			vat, err := ParseAmount(vatRaw)
			if err != nil {
				return nil, fmt.Errorf("row %d vat: %w", i, err)
			}
			if !vat.IsZero() {
				row.VAT = &vat
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// ParseDate accepts YYYY-MM-DD with an optional T... suffix.
func ParseDate(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	s := stringOf(v)
	if s == "" {
		return time.Time{}, errors.New("missing date")
	}
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		s = s[:i]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// ParseAmount reads a signed decimal rounded to cents. A lone comma is taken as
// the decimal separator.
func ParseAmount(v any) (decimal.Decimal, error) {
	var d decimal.Decimal
	switch t := v.(type) {
	case decimal.Decimal:
		d = t
	case json.Number:
		parsed, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q", t.String())
		}
		d = parsed
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	default:
		s := stringOf(v)
		if s == "" {
			return decimal.Zero, errors.New("missing amount")
		}
		if strings.Contains(s, ",") && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q", s)
		}
		d = parsed
	}
	return d.Round(2), nil
}

func parseID(v any) (int64, error) {
	s := stringOf(v)
	if s == "" {
		return 0, errors.New("missing mutation id")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mutation id %q", s)
	}
	return id, nil
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func firstPresent(item map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := item[k]; ok && stringOf(v) != "" {
			return v, true
		}
	}
	return nil, false
}

func firstString(item map[string]any, keys []string) string {
	v, _ := firstPresent(item, keys)
	return stringOf(v)
}
