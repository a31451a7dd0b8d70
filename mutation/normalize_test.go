package mutation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/verenigingen/eboekhouden/models"
)

func TestNormalize_RestPayload(t *testing.T) {
	raw := Raw{
		"id":            json.Number("1001"),
		"type":          json.Number("3"),
		"date":          "2024-03-01T00:00:00",
		"invoiceNumber": " INV-42 ",
		"relationId":    json.Number("7"),
		"ledgerId":      "BANK1",
		"amount":        json.Number("150"),
		"description":   "Betaling INV-42",
	}
	m, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if m.SourceID != 1001 {
		t.Fatalf("expected source id 1001, got %d", m.SourceID)
	}
	if m.Type != models.TransactionCustomerPayment {
		t.Fatalf("expected CUSTOMER_PAYMENT, got %s", m.Type)
	}
	if got := m.Date.Format("2006-01-02"); got != "2024-03-01" {
		t.Fatalf("expected date 2024-03-01, got %s", got)
	}
	if m.Amount.StringFixed(2) != "150.00" {
		t.Fatalf("expected amount 150.00, got %s", m.Amount.StringFixed(2))
	}
	if m.InvoiceNumber != "INV-42" || len(m.InvoiceNumbers) != 1 || m.InvoiceNumbers[0] != "INV-42" {
		t.Fatalf("unexpected invoice numbers %q %v", m.InvoiceNumber, m.InvoiceNumbers)
	}
	if m.RelationID != "7" {
		t.Fatalf("expected relation 7, got %q", m.RelationID)
	}
	if m.Rows == nil || len(m.Rows) != 0 {
		t.Fatalf("expected empty non-nil rows, got %#v", m.Rows)
	}
	if m.Dialect != models.DialectREST {
		t.Fatalf("expected rest dialect, got %s", m.Dialect)
	}
}

func TestNormalize_SoapPayloadSumsRows(t *testing.T) {
	raw := Raw{
		"MutatieNr":        "88",
		"Soort":            "FactuurVerstuurd",
		"Datum":            "2024-01-15T00:00:00",
		"Rekening":         "1300",
		"RelatieCode":      "C7",
		"Factuurnummer":    "F2024-001",
		"Omschrijving":     "Contributie 2024",
		"Betalingstermijn": "14",
		"MutatieRegels": []any{
			map[string]any{"BedragExclBTW": "100.00", "BedragBTW": "21.00", "TegenrekeningCode": "8000", "BTWCode": "HOOG_VERK_21"},
			map[string]any{"BedragInvoer": "50,5", "TegenrekeningCode": "8010"},
		},
	}
	m, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if m.Dialect != models.DialectSOAP {
		t.Fatalf("expected soap dialect")
	}
	if m.Type != models.TransactionSalesInvoice {
		t.Fatalf("expected SALES_INVOICE, got %s", m.Type)
	}
	if len(m.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(m.Rows))
	}
	if m.Rows[0].VAT == nil || m.Rows[0].VAT.StringFixed(2) != "21.00" {
		t.Fatalf("expected row vat 21.00")
	}
	if m.Rows[1].Amount.StringFixed(2) != "50.50" {
		t.Fatalf("expected comma amount 50.50, got %s", m.Rows[1].Amount.StringFixed(2))
	}
	if m.Amount.StringFixed(2) != "171.50" {
		t.Fatalf("expected amount 171.50, got %s", m.Amount.StringFixed(2))
	}
	if m.PaymentTermDays == nil || *m.PaymentTermDays != 14 {
		t.Fatalf("expected payment term 14")
	}
}

func TestNormalize_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  Raw
	}{
		{"bad date", Raw{"id": json.Number("1"), "type": json.Number("5"), "date": "01-03-2024", "amount": json.Number("1")}},
		{"missing date", Raw{"id": json.Number("1"), "type": json.Number("5"), "amount": json.Number("1")}},
		{"missing amount", Raw{"id": json.Number("1"), "type": json.Number("5"), "date": "2024-03-01"}},
		{"bad amount", Raw{"id": json.Number("1"), "type": json.Number("5"), "date": "2024-03-01", "amount": "abc"}},
		{"missing id", Raw{"type": json.Number("5"), "date": "2024-03-01", "amount": json.Number("1")}},
		{"bad row", Raw{"id": json.Number("1"), "type": json.Number("7"), "date": "2024-03-01", "rows": []any{map[string]any{"ledgerId": "A"}}}},
	}
	for _, tc := range cases {
		_, err := Normalize(tc.raw)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !errors.Is(err, ErrUnparseable) {
			t.Fatalf("%s: expected ErrUnparseable, got %v", tc.name, err)
		}
		var nerr *NormalizeError
		if !errors.As(err, &nerr) || nerr.Raw == nil {
			t.Fatalf("%s: expected NormalizeError carrying the raw payload", tc.name)
		}
	}
}

func TestNormalize_UnknownTypeIsNotAnError(t *testing.T) {
	m, err := Normalize(Raw{"id": json.Number("9"), "type": "Beginbalans", "date": "2024-03-01", "amount": json.Number("10")})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if m.Type != models.TransactionUnknown {
		t.Fatalf("expected UNKNOWN, got %s", m.Type)
	}
}

func TestNormalize_SignPreserved(t *testing.T) {
	m, err := Normalize(Raw{"id": json.Number("9"), "type": json.Number("6"), "date": "2024-03-01", "amount": json.Number("-12.345")})
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if m.Amount.StringFixed(2) != "-12.35" {
		t.Fatalf("expected -12.35, got %s", m.Amount.StringFixed(2))
	}
}

func TestNormalize_RoundTrip(t *testing.T) {
	raws := []Raw{
		{
			"id": json.Number("1003"), "type": json.Number("3"), "date": "2024-04-02", "invoiceNumber": "INV-A,INV-B",
			"relationId": "C7", "ledgerId": "1010", "amount": json.Number("500"), "description": "split",
			"termOfPayment": json.Number("21"),
			"rows": []any{
				map[string]any{"ledgerId": "1300", "amount": json.Number("100")},
				map[string]any{"ledgerId": "1300", "amount": json.Number("400"), "vatAmount": json.Number("0")},
			},
		},
		{
			"MutatieNr": "5", "Soort": "Memoriaal", "Datum": "2023-12-31T00:00:00", "Rekening": "",
			"MutatieRegels": []any{
				map[string]any{"TegenrekeningCode": "0100", "BedragInvoer": "100.00"},
				map[string]any{"TegenrekeningCode": "0200", "BedragInvoer": "-100.00", "BedragBTW": "3.10", "BTWCode": "LAAG"},
			},
		},
	}
	for _, raw := range raws {
		m, err := Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize error: %v", err)
		}
		for _, d := range []models.Dialect{models.DialectSOAP, models.DialectREST} {
			back, err := Normalize(Denormalize(m, d))
			if err != nil {
				t.Fatalf("Normalize(Denormalize) %s error: %v", d, err)
			}
			if back.Type != m.Type || !back.Date.Equal(m.Date) || !back.Amount.Equal(m.Amount) {
				t.Fatalf("%s round trip mismatch: %+v vs %+v", d, back, m)
			}
			if back.InvoiceNumber != m.InvoiceNumber || back.RelationID != m.RelationID || back.SourceID != m.SourceID {
				t.Fatalf("%s round trip lost header fields", d)
			}
			if len(back.Rows) != len(m.Rows) {
				t.Fatalf("%s round trip rows %d vs %d", d, len(back.Rows), len(m.Rows))
			}
			for i := range m.Rows {
				if !back.Rows[i].Amount.Equal(m.Rows[i].Amount) || back.Rows[i].LedgerID != m.Rows[i].LedgerID {
					t.Fatalf("%s row %d mismatch", d, i)
				}
			}
		}
	}
}

func TestSplitInvoiceNumbers(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"INV-1", []string{"INV-1"}},
		{" INV-1 , ,INV-2,", []string{"INV-1", "INV-2"}},
	}
	for _, tc := range cases {
		got := SplitInvoiceNumbers(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitInvoiceNumbers(%q) = %v", tc.in, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitInvoiceNumbers(%q) = %v", tc.in, got)
			}
		}
	}
}
