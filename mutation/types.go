package mutation

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/verenigingen/eboekhouden/models"
)

type typeAlias struct {
	soap string
	code int
}

var typeAliases = map[models.TransactionType]typeAlias{
	models.TransactionPurchaseInvoice: {"FactuurOntvangen", 1},
	models.TransactionSalesInvoice:    {"FactuurVerstuurd", 2},
	models.TransactionCustomerPayment: {"FactuurbetalingOntvangen", 3},
	models.TransactionSupplierPayment: {"FactuurbetalingVerstuurd", 4},
	models.TransactionMoneyIn:         {"GeldOntvangen", 5},
	models.TransactionMoneyOut:        {"GeldUitgegeven", 6},
	models.TransactionMemorial:        {"Memoriaal", 7},
}

var (
	typeBySoap = map[string]models.TransactionType{}
	typeByCode = map[int]models.TransactionType{}
)

func init() {
	for t, a := range typeAliases {
		typeBySoap[strings.ToLower(a.soap)] = t
		typeByCode[a.code] = t
	}
}

// ParseTransactionType accepts the Dutch type names and the numeric codes 1..7,
// either as numbers or numeric strings. Anything else is UNKNOWN.
func ParseTransactionType(v any) models.TransactionType {
	switch t := v.(type) {
	case int:
		return typeFromCode(t)
	case int64:
		return typeFromCode(int(t))
	case float64:
		if t != float64(int(t)) {
			return models.TransactionUnknown
		}
		return typeFromCode(int(t))
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return models.TransactionUnknown
		}
		return typeFromCode(n)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return models.TransactionUnknown
		}
		if n, err := strconv.Atoi(s); err == nil {
			return typeFromCode(n)
		}
		if tt, ok := typeBySoap[strings.ToLower(s)]; ok {
			return tt
		}
	}
	return models.TransactionUnknown
}

func typeFromCode(n int) models.TransactionType {
	if t, ok := typeByCode[n]; ok {
		return t
	}
	return models.TransactionUnknown
}

// SoapName is the Dutch label of a type, "" for UNKNOWN.
func SoapName(t models.TransactionType) string {
	return typeAliases[t].soap
}

// TypeCode is the numeric REST code of a type, 0 for UNKNOWN.
func TypeCode(t models.TransactionType) int {
	return typeAliases[t].code
}

// Denormalize re-encodes a mutation in the given dialect. Normalize(Denormalize(m, d))
// reproduces m's type, date, amount and rows.
func Denormalize(m Mutation, dialect models.Dialect) Raw {
	keys := keysFor(dialect)
	raw := Raw{
		keys.id:          strconv.FormatInt(m.SourceID, 10),
		keys.date:        m.Date.Format("2006-01-02"),
		keys.invoice:     m.InvoiceNumber,
		keys.relation:    m.RelationID,
		keys.ledger:      m.LedgerID,
		keys.description: m.Description,
	}
	if dialect == models.DialectSOAP {
		raw[keys.kind] = SoapName(m.Type)
	} else {
		raw[keys.kind] = json.Number(strconv.Itoa(TypeCode(m.Type)))
	}
	raw[keys.amount] = m.Amount.StringFixed(2)
	if m.PaymentTermDays != nil {
		raw[keys.term] = strconv.Itoa(*m.PaymentTermDays)
	}

	rows := make([]any, 0, len(m.Rows))
	for _, r := range m.Rows {
		item := map[string]any{
			keys.rowLedger[0]:      r.LedgerID,
			keys.rowAmount[0]:      r.Amount.StringFixed(2),
			keys.rowDescription[0]: r.Description,
		}
		if r.VAT != nil {
			item[keys.rowVAT[0]] = r.VAT.StringFixed(2)
		}
		if r.VATCode != "" {
			item[keys.rowVATCode[0]] = r.VATCode
		}
		rows = append(rows, item)
	}
	raw[keys.rows] = rows
	return raw
}
