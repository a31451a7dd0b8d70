package resolver

import (
	"sort"

	"github.com/verenigingen/eboekhouden/eboekhouden"
)

// LedgerIndex maps E-Boekhouden ledger ids to codes and names. It satisfies both
// mutation.LedgerCodes and mapping.LedgerNames.
type LedgerIndex struct {
	byID   map[string]eboekhouden.Ledger
	byCode map[string]eboekhouden.Ledger
}

func NewLedgerIndex(ledgers []eboekhouden.Ledger) *LedgerIndex {
	idx := &LedgerIndex{
		byID:   make(map[string]eboekhouden.Ledger, len(ledgers)),
		byCode: make(map[string]eboekhouden.Ledger, len(ledgers)),
	}
	for _, l := range ledgers {
		if l.ID != "" {
			idx.byID[l.ID] = l
		}
		if l.Code != "" {
			idx.byCode[l.Code] = l
		}
	}
	return idx
}

// Code falls back to the id itself when the ledger is unknown but the id looks like
// a code, which is how the SOAP dialect identifies ledgers.
func (x *LedgerIndex) Code(ledgerID string) (string, bool) {
	if ledgerID == "" {
		return "", false
	}
	if x != nil {
		if l, ok := x.byID[ledgerID]; ok && l.Code != "" {
			return l.Code, true
		}
		if _, ok := x.byCode[ledgerID]; ok {
			return ledgerID, true
		}
	}
	return ledgerID, true
}

func (x *LedgerIndex) Name(ledgerID string) string {
	if x == nil {
		return ""
	}
	if l, ok := x.byID[ledgerID]; ok {
		return l.Name
	}
	if l, ok := x.byCode[ledgerID]; ok {
		return l.Name
	}
	return ""
}

// Ledger looks up by id first, then by code.
func (x *LedgerIndex) Ledger(key string) (eboekhouden.Ledger, bool) {
	if x == nil {
		return eboekhouden.Ledger{}, false
	}
	if l, ok := x.byID[key]; ok {
		return l, true
	}
	l, ok := x.byCode[key]
	return l, ok
}

func (x *LedgerIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.byID)
}

// Codes lists every known code in ascending order.
func (x *LedgerIndex) Codes() []string {
	if x == nil {
		return nil
	}
	out := make([]string, 0, len(x.byCode))
	for c := range x.byCode {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
