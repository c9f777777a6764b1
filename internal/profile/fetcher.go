// Package profile implements the HTTP-backed profile/rate-curve fetcher:
// the documented seam external profile providers (market-maker reference
// rates, PV production forecasts, load profiles) plug into. Parsing the
// providers' own file formats (CSV, area-tree config) is out of scope;
// this package only fetches and decodes the wire shape a provider serves
// over HTTP.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// RateCurve is the wire shape a profile service returns for one device:
// the initial and final rates a scheduler.Updater should populate a slot
// with, and the per-update step size.
type RateCurve struct {
	InitialRate     decimal.Decimal `json:"initial_rate"`
	FinalRate       decimal.Decimal `json:"final_rate"`
	ChangePerUpdate decimal.Decimal `json:"change_per_update"`
}

// HTTPFetcher fetches RateCurves from an external profile service over
// HTTP, with the same retry/backoff policy the reference REST client
// uses against the matching engine's own external collaborators. A
// TokenBucket throttles outbound requests so a slot roll that triggers
// one fetch per device doesn't burst past the provider's own limits.
type HTTPFetcher struct {
	http    *resty.Client
	limiter *TokenBucket
	logger  *slog.Logger
}

// NewHTTPFetcher builds a fetcher against baseURL, retrying up to three
// times on 5xx responses and transport errors with capped backoff, and
// throttled to requestsPerSecond outbound requests (burst = 2x rate).
func NewHTTPFetcher(baseURL string, requestsPerSecond float64, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &HTTPFetcher{
		http:    httpClient,
		limiter: NewTokenBucket(requestsPerSecond*2, requestsPerSecond),
		logger:  logger.With("component", "profile-fetcher"),
	}
}

// FetchRateCurve retrieves the rate curve for deviceName from
// /devices/{name}/rate-curve.
func (f *HTTPFetcher) FetchRateCurve(ctx context.Context, deviceName string) (RateCurve, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return RateCurve{}, fmt.Errorf("rate limit wait for %q: %w", deviceName, err)
	}

	var curve RateCurve
	resp, err := f.http.R().
		SetContext(ctx).
		SetPathParam("device", deviceName).
		SetResult(&curve).
		Get("/devices/{device}/rate-curve")
	if err != nil {
		return RateCurve{}, fmt.Errorf("fetch rate curve for %q: %w", deviceName, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return RateCurve{}, fmt.Errorf("fetch rate curve for %q: status %d: %s", deviceName, resp.StatusCode(), resp.String())
	}
	f.logger.Debug("fetched rate curve", "device", deviceName)
	return curve, nil
}
