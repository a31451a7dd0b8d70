// Package eboekhouden talks to the E-Boekhouden SOAP and REST APIs. Both clients
// return mutations with the vendor keys intact; translation is left to package mutation.
package eboekhouden

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/mutation"
	"golang.org/x/time/rate"
)

var (
	// ErrTransport is returned once the retries of a call are exhausted.
	ErrTransport = errors.New("eboekhouden: transport failure")
	// ErrAuth is returned when a call still fails authentication after one session refresh.
	ErrAuth = errors.New("eboekhouden: authentication failure")
)

// Ledger is a grootboekrekening of the source chart.
type Ledger struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"description"`
	Category string `json:"category"`
}

// Relation is a counterparty in the source administration.
type Relation struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Kind  string `json:"type"`
	Email string `json:"emailAddress"`
	Phone string `json:"phoneNumber"`
}

// MutationSource is the uniform view of both API dialects.
type MutationSource interface {
	// FetchMutations returns every mutation with from <= id <= to. An empty range
	// returns an empty slice without calling the API.
	FetchMutations(ctx context.Context, fromID, toID int64) ([]mutation.Raw, error)
	FetchMutationsByDate(ctx context.Context, from, to time.Time) ([]mutation.Raw, error)
	FetchHighestID(ctx context.Context) (int64, error)
	FetchLedgers(ctx context.Context) ([]Ledger, error)
	FetchRelations(ctx context.Context) ([]Relation, error)
	// Cap is the per-call record limit of the API, 0 when uncapped.
	Cap() int
	Dialect() models.Dialect
	Close(ctx context.Context) error
}

type Options struct {
	HTTPClient    *http.Client
	Timeout       time.Duration
	RetryAttempts int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	// RequestsPerSecond paces calls; zero disables pacing.
	RequestsPerSecond float64
	Logger            *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(models.DefaultHTTPTimeoutSeconds) * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = models.DefaultRetryAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = config.GetLogger()
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), 1)
}

// NewSource builds the client for the dialect configured in the settings.
func NewSource(settings models.MigrationSettings, opts Options) (MutationSource, error) {
	settings = settings.WithDefaults()
	if opts.Timeout <= 0 {
		opts.Timeout = settings.HTTPTimeout()
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = settings.RetryAttempts
	}
	switch settings.Dialect {
	case models.DialectSOAP:
		return NewSoapClient(SoapCredentials{
			URL:           settings.SoapURL,
			Username:      settings.SoapUsername,
			SecurityCode1: settings.SoapSecurityCode1,
			SecurityCode2: settings.SoapSecurityCode2,
		}, settings.SoapWindow, opts)
	case models.DialectREST:
		return NewRestClient(RestCredentials{
			URL:      settings.RestURL,
			APIToken: settings.RestAPIToken,
			Source:   settings.RestSource,
		}, settings.FetchDetail, opts)
	}
	return nil, fmt.Errorf("unknown dialect %q", settings.Dialect)
}
