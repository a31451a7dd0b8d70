package eboekhouden

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"golang.org/x/time/rate"
)

const (
	soapNamespace  = "http://www.e-boekhouden.nl/soap"
	soapDefaultURL = "https://soap.e-boekhouden.nl/soap.asmx"
	soapMaxID      = int64(2147483647)
	soapClientName = "soap"
)

type SoapCredentials struct {
	URL           string
	Username      string
	SecurityCode1 string
	SecurityCode2 string
}

// SoapClient speaks the legacy SOAP API. Every call carries the session id and the
// second security code; GetMutaties returns at most cap records per call.
type SoapClient struct {
	creds   SoapCredentials
	cap     int
	opts    Options
	limiter *rate.Limiter

	mu        sync.Mutex
	sessionID string
}

func NewSoapClient(creds SoapCredentials, cap int, opts Options) (*SoapClient, error) {
	if strings.TrimSpace(creds.Username) == "" || strings.TrimSpace(creds.SecurityCode1) == "" || strings.TrimSpace(creds.SecurityCode2) == "" {
		return nil, errors.New("soap credentials are incomplete")
	}
	if strings.TrimSpace(creds.URL) == "" {
		creds.URL = soapDefaultURL
	}
	if cap <= 0 {
		cap = models.DefaultSoapWindow
	}
	opts = opts.withDefaults()
	return &SoapClient{creds: creds, cap: cap, opts: opts, limiter: opts.limiter()}, nil
}

func (c *SoapClient) Cap() int { return c.cap }

func (c *SoapClient) Dialect() models.Dialect { return models.DialectSOAP }

type soapEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	XSI     string   `xml:"xmlns:xsi,attr"`
	XSD     string   `xml:"xmlns:xsd,attr"`
	Soap    string   `xml:"xmlns:soap,attr"`
	Body    soapBody `xml:"soap:Body"`
}

type soapBody struct {
	Content any
}

type soapResponseEnvelope struct {
	Body struct {
		Fault *soapFault `xml:"Fault"`
		Inner []byte     `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

// soapErrorMsg is the in-band error block every result carries.
type soapErrorMsg struct {
	Code        string `xml:"LastErrorCode"`
	Description string `xml:"LastErrorDescription"`
}

func (e soapErrorMsg) err() error {
	code := strings.TrimSpace(e.Code)
	desc := strings.TrimSpace(e.Description)
	if code == "" && desc == "" {
		return nil
	}
	return &callError{message: strings.TrimSpace(code + " " + desc), auth: looksLikeAuth(code + " " + desc)}
}

func looksLikeAuth(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"sessie", "session", "securitycode", "security code", "beveiligingscode", "gebruikersnaam", "username"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

type openSessionRequest struct {
	XMLName       xml.Name `xml:"OpenSession"`
	Xmlns         string   `xml:"xmlns,attr"`
	Username      string   `xml:"Username"`
	SecurityCode1 string   `xml:"SecurityCode1"`
	SecurityCode2 string   `xml:"SecurityCode2"`
}

type openSessionResponse struct {
	ErrorMsg  soapErrorMsg `xml:"OpenSessionResult>ErrorMsg"`
	SessionID string       `xml:"OpenSessionResult>SessionID"`
}

type closeSessionRequest struct {
	XMLName   xml.Name `xml:"CloseSession"`
	Xmlns     string   `xml:"xmlns,attr"`
	SessionID string   `xml:"SessionID"`
}

type mutatieFilter struct {
	MutatieNr     int64  `xml:"MutatieNr"`
	MutatieNrVan  string `xml:"MutatieNrVan"`
	MutatieNrTm   string `xml:"MutatieNrTm"`
	Factuurnummer string `xml:"Factuurnummer"`
	DatumVan      string `xml:"DatumVan"`
	DatumTm       string `xml:"DatumTm"`
}

type getMutatiesRequest struct {
	XMLName       xml.Name      `xml:"GetMutaties"`
	Xmlns         string        `xml:"xmlns,attr"`
	SessionID     string        `xml:"SessionID"`
	SecurityCode2 string        `xml:"SecurityCode2"`
	Filter        mutatieFilter `xml:"cFilter"`
}

type getMutatiesResponse struct {
	ErrorMsg soapErrorMsg `xml:"GetMutatiesResult>ErrorMsg"`
	Mutaties []xmlNode    `xml:"GetMutatiesResult>Mutaties>cMutatieList"`
}

type ledgerFilter struct {
	ID        int64  `xml:"ID"`
	Code      string `xml:"Code"`
	Categorie string `xml:"Categorie"`
}

type getLedgersRequest struct {
	XMLName       xml.Name     `xml:"GetGrootboekrekeningen"`
	Xmlns         string       `xml:"xmlns,attr"`
	SessionID     string       `xml:"SessionID"`
	SecurityCode2 string       `xml:"SecurityCode2"`
	Filter        ledgerFilter `xml:"cFilter"`
}

type soapLedger struct {
	ID           string `xml:"ID"`
	Code         string `xml:"Code"`
	Omschrijving string `xml:"Omschrijving"`
	Categorie    string `xml:"Categorie"`
}

type getLedgersResponse struct {
	ErrorMsg soapErrorMsg `xml:"GetGrootboekrekeningenResult>ErrorMsg"`
	Ledgers  []soapLedger `xml:"GetGrootboekrekeningenResult>Rekeningen>cGrootboekrekening"`
}

type relationFilter struct {
	Trefwoord string `xml:"Trefwoord"`
	Code      string `xml:"Code"`
	ID        int64  `xml:"ID"`
}

type getRelationsRequest struct {
	XMLName       xml.Name       `xml:"GetRelaties"`
	Xmlns         string         `xml:"xmlns,attr"`
	SessionID     string         `xml:"SessionID"`
	SecurityCode2 string         `xml:"SecurityCode2"`
	Filter        relationFilter `xml:"cFilter"`
}

type soapRelation struct {
	ID       string `xml:"ID"`
	Code     string `xml:"Code"`
	Bedrijf  string `xml:"Bedrijf"`
	Contact  string `xml:"Contactpersoon"`
	BP       string `xml:"BP"`
	Email    string `xml:"Email"`
	Telefoon string `xml:"Telefoon"`
}

type getRelationsResponse struct {
	ErrorMsg  soapErrorMsg   `xml:"GetRelatiesResult>ErrorMsg"`
	Relations []soapRelation `xml:"GetRelatiesResult>Relaties>cRelatie"`
}

// xmlNode keeps an arbitrary element tree so vendor keys survive untouched.
type xmlNode struct {
	XMLName xml.Name
	Content string    `xml:",chardata"`
	Nodes   []xmlNode `xml:",any"`
}

func (n xmlNode) toRaw() mutation.Raw {
	raw := mutation.Raw{}
	for _, child := range n.Nodes {
		name := child.XMLName.Local
		switch {
		case name == "MutatieRegels":
			rows := make([]any, 0, len(child.Nodes))
			for _, r := range child.Nodes {
				rows = append(rows, map[string]any(r.toRaw()))
			}
			raw[name] = rows
		case len(child.Nodes) == 0:
			raw[name] = strings.TrimSpace(child.Content)
		default:
			raw[name] = map[string]any(child.toRaw())
		}
	}
	return raw
}

// post sends one envelope and decodes the operation result into out.
func (c *SoapClient) post(ctx context.Context, action string, req any, out any) error {
	payload, err := xml.Marshal(soapEnvelope{
		XSI:  "http://www.w3.org/2001/XMLSchema-instance",
		XSD:  "http://www.w3.org/2001/XMLSchema",
		Soap: "http://schemas.xmlsoap.org/soap/envelope/",
		Body: soapBody{Content: req},
	})
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.creds.URL, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", fmt.Sprintf("%q", soapNamespace+"/"+action))

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return &callError{message: err.Error(), transient: true}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &callError{message: err.Error(), transient: true}
	}

	var env soapResponseEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return statusError(resp.StatusCode, string(body))
		}
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	if env.Body.Fault != nil {
		msg := strings.TrimSpace(env.Body.Fault.Code + " " + env.Body.Fault.String)
		return &callError{
			status:    resp.StatusCode,
			message:   truncate(msg, 300),
			auth:      looksLikeAuth(msg),
			transient: !looksLikeAuth(msg) && resp.StatusCode >= 500 && strings.Contains(strings.ToLower(env.Body.Fault.Code), "server"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, string(body))
	}
	if err := xml.Unmarshal(env.Body.Inner, out); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}

func (c *SoapClient) openSession(ctx context.Context) (string, error) {
	var out openSessionResponse
	err := retry(ctx, soapClientName, "OpenSession", c.opts, func() error {
		if err := c.post(ctx, "OpenSession", openSessionRequest{
			Xmlns:         soapNamespace,
			Username:      c.creds.Username,
			SecurityCode1: c.creds.SecurityCode1,
			SecurityCode2: c.creds.SecurityCode2,
		}, &out); err != nil {
			return err
		}
		return out.ErrorMsg.err()
	})
	if err != nil {
		if isAuth(err) {
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("%w: empty session id", ErrAuth)
	}
	return strings.TrimSpace(out.SessionID), nil
}

func (c *SoapClient) session(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" && !refresh {
		return c.sessionID, nil
	}
	id, err := c.openSession(ctx)
	if err != nil {
		return "", err
	}
	c.sessionID = id
	return id, nil
}

// authorized runs call with a session, re-opening the session once on an auth failure.
func (c *SoapClient) authorized(ctx context.Context, op string, call func(sessionID string) error) error {
	sessionID, err := c.session(ctx, false)
	if err != nil {
		return err
	}
	err = retry(ctx, soapClientName, op, c.opts, func() error { return call(sessionID) })
	if err == nil || !isAuth(err) {
		return err
	}
	c.opts.Logger.WithFields(logrus.Fields{
		"client":    soapClientName,
		"operation": op,
	}).Warn("soap session rejected, reopening: " + err.Error())
	sessionID, err = c.session(ctx, true)
	if err != nil {
		return err
	}
	err = retry(ctx, soapClientName, op, c.opts, func() error { return call(sessionID) })
	if err != nil && isAuth(err) {
		return fmt.Errorf("%w: %s: %v", ErrAuth, op, err)
	}
	return err
}

func (c *SoapClient) getMutaties(ctx context.Context, filter mutatieFilter) ([]mutation.Raw, error) {
	var out getMutatiesResponse
	err := c.authorized(ctx, "GetMutaties", func(sessionID string) error {
		out = getMutatiesResponse{}
		if err := c.post(ctx, "GetMutaties", getMutatiesRequest{
			Xmlns:         soapNamespace,
			SessionID:     sessionID,
			SecurityCode2: c.creds.SecurityCode2,
			Filter:        filter,
		}, &out); err != nil {
			return err
		}
		return out.ErrorMsg.err()
	})
	if err != nil {
		return nil, err
	}
	raws := make([]mutation.Raw, 0, len(out.Mutaties))
	for _, n := range out.Mutaties {
		raws = append(raws, n.toRaw())
	}
	return raws, nil
}

func idFilter(from, to int64) mutatieFilter {
	return mutatieFilter{
		MutatieNrVan: strconv.FormatInt(from, 10),
		MutatieNrTm:  strconv.FormatInt(to, 10),
		DatumVan:     "1900-01-01",
		DatumTm:      "2099-12-31",
	}
}

// FetchMutations pages through [from, to]: when a call comes back full the next call
// starts after the highest id received.
func (c *SoapClient) FetchMutations(ctx context.Context, fromID, toID int64) ([]mutation.Raw, error) {
	out := []mutation.Raw{}
	if fromID > toID {
		return out, nil
	}
	if fromID < 1 {
		fromID = 1
	}
	for fromID <= toID {
		rows, err := c.getMutaties(ctx, idFilter(fromID, toID))
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if len(rows) < c.cap {
			break
		}
		highest := maxRawID(rows)
		if highest < fromID {
			break
		}
		fromID = highest + 1
	}
	return out, nil
}

// FetchMutationsByDate halves any date window that comes back full.
func (c *SoapClient) FetchMutationsByDate(ctx context.Context, from, to time.Time) ([]mutation.Raw, error) {
	out := []mutation.Raw{}
	if from.After(to) {
		return out, nil
	}
	rows, err := c.getMutaties(ctx, mutatieFilter{
		DatumVan: from.Format("2006-01-02"),
		DatumTm:  to.Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}
	if len(rows) < c.cap {
		return append(out, rows...), nil
	}
	days := int(to.Sub(from).Hours() / 24)
	if days < 1 {
		// a single day cannot be split further; page it by id instead
		c.opts.Logger.WithFields(logrus.Fields{
			"client": soapClientName,
			"date":   from.Format("2006-01-02"),
		}).Warn("single day hit the soap record cap, paging by id")
		out = append(out, rows...)
		for len(rows) >= c.cap {
			filter := idFilter(maxRawID(rows)+1, soapMaxID)
			filter.DatumVan = from.Format("2006-01-02")
			filter.DatumTm = to.Format("2006-01-02")
			if rows, err = c.getMutaties(ctx, filter); err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return out, nil
	}
	mid := from.AddDate(0, 0, days/2)
	left, err := c.FetchMutationsByDate(ctx, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := c.FetchMutationsByDate(ctx, mid.AddDate(0, 0, 1), to)
	if err != nil {
		return nil, err
	}
	out = append(out, left...)
	return append(out, right...), nil
}

// FetchHighestID scans exponentially for an empty tail, then binary searches the
// boundary. A scan that comes back below the cap names the highest id directly.
func (c *SoapClient) FetchHighestID(ctx context.Context) (int64, error) {
	scan := func(from int64) ([]mutation.Raw, error) {
		return c.getMutaties(ctx, idFilter(from, soapMaxID))
	}

	var known int64
	next := int64(1)
	for {
		rows, err := scan(next)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			break
		}
		if len(rows) < c.cap {
			return maxRawID(rows), nil
		}
		known = maxRawID(rows)
		if known >= soapMaxID/2 {
			next = soapMaxID
		} else {
			next = known * 2
		}
		if next <= known {
			return known, nil
		}
	}

	lo, hi := known, next
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		rows, err := scan(mid)
		if err != nil {
			return 0, err
		}
		switch {
		case len(rows) == 0:
			hi = mid
		case len(rows) < c.cap:
			return maxRawID(rows), nil
		default:
			lo = maxRawID(rows)
		}
	}
	return lo, nil
}

func (c *SoapClient) FetchLedgers(ctx context.Context) ([]Ledger, error) {
	var out getLedgersResponse
	err := c.authorized(ctx, "GetGrootboekrekeningen", func(sessionID string) error {
		out = getLedgersResponse{}
		if err := c.post(ctx, "GetGrootboekrekeningen", getLedgersRequest{
			Xmlns:         soapNamespace,
			SessionID:     sessionID,
			SecurityCode2: c.creds.SecurityCode2,
		}, &out); err != nil {
			return err
		}
		return out.ErrorMsg.err()
	})
	if err != nil {
		return nil, err
	}
	ledgers := make([]Ledger, 0, len(out.Ledgers))
	for _, l := range out.Ledgers {
		ledgers = append(ledgers, Ledger{
			ID:       strings.TrimSpace(l.ID),
			Code:     strings.TrimSpace(l.Code),
			Name:     strings.TrimSpace(l.Omschrijving),
			Category: strings.TrimSpace(l.Categorie),
		})
	}
	return ledgers, nil
}

func (c *SoapClient) FetchRelations(ctx context.Context) ([]Relation, error) {
	var out getRelationsResponse
	err := c.authorized(ctx, "GetRelaties", func(sessionID string) error {
		out = getRelationsResponse{}
		if err := c.post(ctx, "GetRelaties", getRelationsRequest{
			Xmlns:         soapNamespace,
			SessionID:     sessionID,
			SecurityCode2: c.creds.SecurityCode2,
		}, &out); err != nil {
			return err
		}
		return out.ErrorMsg.err()
	})
	if err != nil {
		return nil, err
	}
	relations := make([]Relation, 0, len(out.Relations))
	for _, r := range out.Relations {
		name := strings.TrimSpace(r.Bedrijf)
		if name == "" {
			name = strings.TrimSpace(r.Contact)
		}
		relations = append(relations, Relation{
			ID:    strings.TrimSpace(r.Code),
			Code:  strings.TrimSpace(r.Code),
			Name:  name,
			Kind:  strings.TrimSpace(r.BP),
			Email: strings.TrimSpace(r.Email),
			Phone: strings.TrimSpace(r.Telefoon),
		})
	}
	return relations, nil
}

func (c *SoapClient) Close(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	var out struct{}
	return c.post(ctx, "CloseSession", closeSessionRequest{Xmlns: soapNamespace, SessionID: sessionID}, &out)
}

func maxRawID(rows []mutation.Raw) int64 {
	var highest int64
	for _, r := range rows {
		if id := rawID(r); id > highest {
			highest = id
		}
	}
	return highest
}

func rawID(r mutation.Raw) int64 {
	for _, key := range []string{"MutatieNr", "id"} {
		v, ok := r[key]
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(v)), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}
