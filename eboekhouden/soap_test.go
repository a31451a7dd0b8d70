package eboekhouden

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSoapRequest struct {
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type fakeGetMutaties struct {
	SessionID string `xml:"SessionID"`
	Filter    struct {
		MutatieNrVan string `xml:"MutatieNrVan"`
		MutatieNrTm  string `xml:"MutatieNrTm"`
		DatumVan     string `xml:"DatumVan"`
		DatumTm      string `xml:"DatumTm"`
	} `xml:"cFilter"`
}

// fakeSoap serves ids with one mutation per id and day 2024-01-01 + id days.
type fakeSoap struct {
	mu           sync.Mutex
	ids          []int64
	cap          int
	sessions     int
	calls        int
	rejectNext   int
	failStatus   int
	validSession string
}

func (f *fakeSoap) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		var env fakeSoapRequest
		if err := xml.Unmarshal(body, &env); err != nil {
			t.Errorf("bad envelope: %v", err)
			return
		}
		action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
		action = action[strings.LastIndex(action, "/")+1:]
		w.Header().Set("Content-Type", "text/xml")
		switch action {
		case "OpenSession":
			f.sessions++
			f.validSession = fmt.Sprintf("S%d", f.sessions)
			writeSoap(w, fmt.Sprintf(`<OpenSessionResponse><OpenSessionResult><ErrorMsg/><SessionID>%s</SessionID></OpenSessionResult></OpenSessionResponse>`, f.validSession))
		case "CloseSession":
			writeSoap(w, `<CloseSessionResponse/>`)
		case "GetMutaties":
			f.calls++
			if f.failStatus > 0 {
				w.WriteHeader(f.failStatus)
				return
			}
			var req fakeGetMutaties
			if err := xml.Unmarshal(env.Body.Inner, &req); err != nil {
				t.Errorf("bad request: %v", err)
				return
			}
			if f.rejectNext > 0 || req.SessionID != f.validSession {
				if f.rejectNext > 0 {
					f.rejectNext--
				}
				writeSoap(w, `<GetMutatiesResponse><GetMutatiesResult><ErrorMsg><LastErrorCode>E0012</LastErrorCode><LastErrorDescription>Sessie is verlopen</LastErrorDescription></ErrorMsg></GetMutatiesResult></GetMutatiesResponse>`)
				return
			}
			from, _ := strconv.ParseInt(req.Filter.MutatieNrVan, 10, 64)
			to, _ := strconv.ParseInt(req.Filter.MutatieNrTm, 10, 64)
			if req.Filter.MutatieNrVan == "" {
				from, to = 1, soapMaxID
			}
			dateFrom, _ := time.Parse("2006-01-02", req.Filter.DatumVan)
			dateTo, _ := time.Parse("2006-01-02", req.Filter.DatumTm)
			var sb strings.Builder
			n := 0
			for _, id := range f.ids {
				d := fakeDate(id)
				if id < from || id > to || d.Before(dateFrom) || d.After(dateTo) {
					continue
				}
				if n == f.cap {
					break
				}
				n++
				fmt.Fprintf(&sb, `<cMutatieList><MutatieNr>%d</MutatieNr><Soort>Memoriaal</Soort><Datum>%sT00:00:00</Datum><Rekening>1000</Rekening><Omschrijving>m %d</Omschrijving><MutatieRegels><cMutatieListRegel><BedragInvoer>10.00</BedragInvoer><TegenrekeningCode>4000</TegenrekeningCode></cMutatieListRegel></MutatieRegels></cMutatieList>`,
					id, d.Format("2006-01-02"), id)
			}
			writeSoap(w, `<GetMutatiesResponse><GetMutatiesResult><ErrorMsg/><Mutaties>`+sb.String()+`</Mutaties></GetMutatiesResult></GetMutatiesResponse>`)
		default:
			t.Errorf("unexpected action %q", action)
		}
	}
}

func fakeDate(id int64) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(id/10))
}

func writeSoap(w http.ResponseWriter, inner string) {
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>%s</soap:Body></soap:Envelope>`, inner)
}

func newTestSoap(t *testing.T, f *fakeSoap) (*SoapClient, func()) {
	srv := httptest.NewServer(f.handler(t))
	c, err := NewSoapClient(SoapCredentials{URL: srv.URL, Username: "u", SecurityCode1: "a", SecurityCode2: "b"}, f.cap, Options{
		RetryAttempts: 3,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSoapClient error: %v", err)
	}
	return c, srv.Close
}

func idsUpTo(n int64, skip ...int64) []int64 {
	skipped := map[int64]bool{}
	for _, s := range skip {
		skipped[s] = true
	}
	var out []int64
	for i := int64(1); i <= n; i++ {
		if !skipped[i] {
			out = append(out, i)
		}
	}
	return out
}

func TestSoapClient_FetchMutationsPagesPastCap(t *testing.T) {
	f := &fakeSoap{ids: idsUpTo(23, 5, 6), cap: 5}
	c, done := newTestSoap(t, f)
	defer done()

	rows, err := c.FetchMutations(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("FetchMutations error: %v", err)
	}
	if len(rows) != 18 {
		t.Fatalf("expected 18 mutations, got %d", len(rows))
	}
	if rows[0]["MutatieNr"] != "1" || rows[len(rows)-1]["MutatieNr"] != "20" {
		t.Fatalf("unexpected bounds %v .. %v", rows[0]["MutatieNr"], rows[len(rows)-1]["MutatieNr"])
	}
	regels, ok := rows[0]["MutatieRegels"].([]any)
	if !ok || len(regels) != 1 {
		t.Fatalf("expected one row, got %#v", rows[0]["MutatieRegels"])
	}
	if f.sessions != 1 {
		t.Fatalf("expected one session, got %d", f.sessions)
	}
}

func TestSoapClient_EmptyRangeDoesNotCall(t *testing.T) {
	f := &fakeSoap{ids: idsUpTo(3), cap: 5}
	c, done := newTestSoap(t, f)
	defer done()

	rows, err := c.FetchMutations(context.Background(), 10, 9)
	if err != nil {
		t.Fatalf("FetchMutations error: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Fatalf("expected empty slice, got %#v", rows)
	}
	if f.calls != 0 || f.sessions != 0 {
		t.Fatalf("expected no calls, got %d calls %d sessions", f.calls, f.sessions)
	}
}

func TestSoapClient_FetchHighestID(t *testing.T) {
	cases := []struct {
		name string
		ids  []int64
		want int64
	}{
		{"empty", nil, 0},
		{"below cap", idsUpTo(3), 3},
		{"scan and search", idsUpTo(137, 100, 101), 137},
		{"gap at the end", append(idsUpTo(40), 977), 977},
	}
	for _, tc := range cases {
		f := &fakeSoap{ids: tc.ids, cap: 4}
		c, done := newTestSoap(t, f)
		got, err := c.FetchHighestID(context.Background())
		done()
		if err != nil {
			t.Fatalf("%s: FetchHighestID error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestSoapClient_FetchByDateSplitsFullWindows(t *testing.T) {
	f := &fakeSoap{ids: idsUpTo(60), cap: 8}
	c, done := newTestSoap(t, f)
	defer done()

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 6)
	rows, err := c.FetchMutationsByDate(context.Background(), from, to)
	if err != nil {
		t.Fatalf("FetchMutationsByDate error: %v", err)
	}
	if len(rows) != 60 {
		t.Fatalf("expected 60 mutations, got %d", len(rows))
	}
	seen := map[string]bool{}
	for _, r := range rows {
		id := r["MutatieNr"].(string)
		if seen[id] {
			t.Fatalf("mutation %s returned twice", id)
		}
		seen[id] = true
	}
}

func TestSoapClient_ReopensSessionOnce(t *testing.T) {
	f := &fakeSoap{ids: idsUpTo(3), cap: 5, rejectNext: 1}
	c, done := newTestSoap(t, f)
	defer done()

	rows, err := c.FetchMutations(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("FetchMutations error: %v", err)
	}
	if len(rows) != 3 || f.sessions != 2 {
		t.Fatalf("expected 3 rows after one reopen, got %d rows %d sessions", len(rows), f.sessions)
	}

	f.rejectNext = 2
	_, err = c.FetchMutations(context.Background(), 1, 3)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestSoapClient_TransportExhaustion(t *testing.T) {
	f := &fakeSoap{ids: idsUpTo(3), cap: 5, failStatus: http.StatusBadGateway}
	c, done := newTestSoap(t, f)
	defer done()

	_, err := c.FetchMutations(context.Background(), 1, 3)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}
