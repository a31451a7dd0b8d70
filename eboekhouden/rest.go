package eboekhouden

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	restDefaultURL    = "https://api.e-boekhouden.nl"
	restDefaultSource = "Verenigingen"
	restPageSize      = 500
	restClientName    = "rest"
)

type RestCredentials struct {
	URL      string
	APIToken string
	Source   string
}

// RestClient speaks the v1 REST API. The API token is exchanged for a short-lived
// bearer that is cached until shortly before it expires.
type RestClient struct {
	creds   RestCredentials
	detail  bool
	opts    Options
	limiter *rate.Limiter

	mu          sync.Mutex
	bearer      string
	bearerUntil time.Time
	now         func() time.Time
}

func NewRestClient(creds RestCredentials, detail bool, opts Options) (*RestClient, error) {
	if strings.TrimSpace(creds.APIToken) == "" {
		return nil, errors.New("rest api token is empty")
	}
	if strings.TrimSpace(creds.URL) == "" {
		creds.URL = restDefaultURL
	}
	if strings.TrimSpace(creds.Source) == "" {
		creds.Source = restDefaultSource
	}
	creds.URL = strings.TrimRight(creds.URL, "/")
	opts = opts.withDefaults()
	return &RestClient{creds: creds, detail: detail, opts: opts, limiter: opts.limiter(), now: time.Now}, nil
}

// WithDetail makes FetchMutations replace list rows with the per-id detail bodies.
func (c *RestClient) WithDetail(detail bool) *RestClient {
	c.detail = detail
	return c
}

func (c *RestClient) Cap() int { return 0 }

func (c *RestClient) Dialect() models.Dialect { return models.DialectREST }

type tokenRequest struct {
	AccessToken string `json:"accessToken"`
	Source      string `json:"source"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

type listResponse struct {
	Items []map[string]any `json:"items"`
	Count int              `json:"count"`
}

func (c *RestClient) token(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !refresh && c.bearer != "" && c.now().Before(c.bearerUntil) {
		return c.bearer, nil
	}
	body, _ := json.Marshal(tokenRequest{AccessToken: c.creds.APIToken, Source: c.creds.Source})
	var out tokenResponse
	err := retry(ctx, restClientName, "session_token", c.opts, func() error {
		return c.do(ctx, http.MethodPost, "/v1/session/token", nil, body, "", &out)
	})
	if err != nil {
		if isAuth(err) {
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", err
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", fmt.Errorf("%w: empty session token", ErrAuth)
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	// refresh a little early so a token never expires mid-call
	if ttl > time.Minute {
		ttl -= 30 * time.Second
	}
	c.bearer = out.Token
	c.bearerUntil = c.now().Add(ttl)
	return c.bearer, nil
}

func (c *RestClient) do(ctx context.Context, method, path string, params url.Values, body []byte, bearer string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	endpoint := c.creds.URL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return &callError{message: err.Error(), transient: true}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &callError{message: err.Error(), transient: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// get performs an authorized GET, refreshing the bearer once on 401.
func (c *RestClient) get(ctx context.Context, op, path string, params url.Values, out any) error {
	bearer, err := c.token(ctx, false)
	if err != nil {
		return err
	}
	call := func() error { return c.do(ctx, http.MethodGet, path, params, nil, bearer, out) }
	err = retry(ctx, restClientName, op, c.opts, call)
	if err == nil || !isAuth(err) {
		return err
	}
	c.opts.Logger.WithFields(logrus.Fields{
		"client":    restClientName,
		"operation": op,
	}).Warn("rest bearer rejected, refreshing: " + err.Error())
	if bearer, err = c.token(ctx, true); err != nil {
		return err
	}
	err = retry(ctx, restClientName, op, c.opts, call)
	if err != nil && isAuth(err) {
		return fmt.Errorf("%w: %s: %v", ErrAuth, op, err)
	}
	return err
}

// list walks limit/offset pages until a short page.
func (c *RestClient) list(ctx context.Context, op, path string, params url.Values) ([]map[string]any, error) {
	items := []map[string]any{}
	offset := 0
	for {
		page := url.Values{}
		for k, v := range params {
			page[k] = v
		}
		page.Set("limit", strconv.Itoa(restPageSize))
		page.Set("offset", strconv.Itoa(offset))
		var out listResponse
		if err := c.get(ctx, op, path, page, &out); err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.Items) < restPageSize {
			return items, nil
		}
		offset += len(out.Items)
	}
}

func (c *RestClient) mutations(ctx context.Context, params url.Values) ([]mutation.Raw, error) {
	items, err := c.list(ctx, "list_mutations", "/v1/mutation", params)
	if err != nil {
		return nil, err
	}
	out := make([]mutation.Raw, 0, len(items))
	for _, item := range items {
		raw := mutation.Raw(item)
		if c.detail {
			id := rawID(raw)
			if id > 0 {
				detail, err := c.FetchMutation(ctx, id)
				if err != nil {
					return nil, err
				}
				raw = detail
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

func (c *RestClient) FetchMutations(ctx context.Context, fromID, toID int64) ([]mutation.Raw, error) {
	if fromID > toID {
		return []mutation.Raw{}, nil
	}
	if fromID < 1 {
		fromID = 1
	}
	params := url.Values{}
	params.Set("idFrom", strconv.FormatInt(fromID, 10))
	params.Set("idTo", strconv.FormatInt(toID, 10))
	return c.mutations(ctx, params)
}

func (c *RestClient) FetchMutationsByDate(ctx context.Context, from, to time.Time) ([]mutation.Raw, error) {
	if from.After(to) {
		return []mutation.Raw{}, nil
	}
	params := url.Values{}
	params.Set("dateFrom", from.Format("2006-01-02"))
	params.Set("dateTo", to.Format("2006-01-02"))
	return c.mutations(ctx, params)
}

// FetchMutation returns the detail body of one mutation.
func (c *RestClient) FetchMutation(ctx context.Context, id int64) (mutation.Raw, error) {
	var out map[string]any
	if err := c.get(ctx, "get_mutation", "/v1/mutation/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return mutation.Raw(out), nil
}

func (c *RestClient) FetchHighestID(ctx context.Context) (int64, error) {
	params := url.Values{}
	params.Set("orderBy", "-id")
	params.Set("limit", "1")
	var out listResponse
	if err := c.get(ctx, "highest_id", "/v1/mutation", params, &out); err != nil {
		return 0, err
	}
	rows := make([]mutation.Raw, 0, len(out.Items))
	for _, item := range out.Items {
		rows = append(rows, mutation.Raw(item))
	}
	return maxRawID(rows), nil
}

func (c *RestClient) FetchLedgers(ctx context.Context) ([]Ledger, error) {
	items, err := c.list(ctx, "list_ledgers", "/v1/ledger", nil)
	if err != nil {
		return nil, err
	}
	ledgers := make([]Ledger, 0, len(items))
	for _, item := range items {
		ledgers = append(ledgers, Ledger{
			ID:       field(item, "id"),
			Code:     field(item, "code"),
			Name:     field(item, "description"),
			Category: field(item, "category"),
		})
	}
	return ledgers, nil
}

func (c *RestClient) FetchRelations(ctx context.Context) ([]Relation, error) {
	items, err := c.list(ctx, "list_relations", "/v1/relation", nil)
	if err != nil {
		return nil, err
	}
	relations := make([]Relation, 0, len(items))
	for _, item := range items {
		name := field(item, "name")
		if name == "" {
			name = field(item, "company")
		}
		relations = append(relations, Relation{
			ID:    field(item, "id"),
			Code:  field(item, "code"),
			Name:  name,
			Kind:  field(item, "type"),
			Email: field(item, "emailAddress"),
			Phone: field(item, "phoneNumber"),
		})
	}
	return relations, nil
}

func (c *RestClient) Close(ctx context.Context) error {
	c.mu.Lock()
	c.bearer = ""
	c.bearerUntil = time.Time{}
	c.mu.Unlock()
	return nil
}

func field(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
