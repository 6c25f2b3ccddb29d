// Package bitmex provides the HTTP client for the BitMEX REST API used by the
// acquisition pipeline.
//
// The client covers three anonymous GET endpoints: daily bucketed trades
// (close prices), daily funding rates, and instrument metadata. Every request
// waits on a pacing limiter first; the fixed inter-request delay is a
// politeness contract with the remote service, not best-effort throttling.
// The client never retries: an HTTP or decode failure is fatal for the
// current fetch and propagates to the caller.
package bitmex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-bitmex-collector/internal/errors"
	"github.com/johnayoung/go-bitmex-collector/internal/models"
)

const (
	// BitMEX REST API base URL
	defaultBaseURL = "https://www.bitmex.com"

	// API endpoints
	tradeBucketedEndpoint = "/api/v1/trade/bucketed"
	fundingEndpoint       = "/api/v1/funding"
	instrumentEndpoint    = "/api/v1/instrument"

	// Mandatory pacing between requests, enforced before every request
	defaultRequestInterval = 2 * time.Second

	// Request configuration
	requestTimeout = 30 * time.Second

	// BitMEX timestamp format, e.g. 2019-06-18T00:00:00.000Z
	timestampFormat = "2006-01-02T15:04:05.000Z"

	// ISO date format used in startTime/endTime query parameters
	dateFormat = "2006-01-02"

	component = "bitmex"
)

// Client is an anonymous BitMEX REST API client with mandatory request pacing.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used by tests to point the client
// at a mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRequestInterval overrides the fixed delay enforced before each request.
func WithRequestInterval(d time.Duration) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// NewClient creates a BitMEX client with the default 2 second request pacing.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(defaultRequestInterval), 1),
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DailyCloses fetches daily close prices for one symbol over [start, end].
// Records are returned in the order the API produced them (oldest first).
// An empty slice means no more historical data exists for the window.
func (c *Client) DailyCloses(ctx context.Context, symbol string, start, end time.Time) ([]models.Observation, error) {
	params := url.Values{}
	params.Set("binSize", "1d")
	params.Set("symbol", symbol)
	params.Set("startTime", start.UTC().Format(dateFormat))
	params.Set("endTime", end.UTC().Format(dateFormat))

	body, err := c.get(ctx, tradeBucketedEndpoint, params)
	if err != nil {
		return nil, err
	}

	var records []tradeBucketRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode trade buckets",
			fmt.Errorf("symbol %s: %w", symbol, err))
	}

	observations := make([]models.Observation, 0, len(records))
	for _, rec := range records {
		obs, err := rec.toObservation()
		if err != nil {
			return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode trade buckets",
				fmt.Errorf("symbol %s: %w", symbol, err))
		}
		observations = append(observations, obs)
	}

	c.logger.Debug("fetched daily closes",
		"symbol", symbol,
		"start", start.Format(dateFormat),
		"end", end.Format(dateFormat),
		"records", len(observations))
	return observations, nil
}

// DailyFunding fetches daily funding rates for one symbol over [start, end].
func (c *Client) DailyFunding(ctx context.Context, symbol string, start, end time.Time) ([]models.Observation, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", start.UTC().Format(dateFormat))
	params.Set("endTime", end.UTC().Format(dateFormat))

	body, err := c.get(ctx, fundingEndpoint, params)
	if err != nil {
		return nil, err
	}

	var records []fundingRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode funding",
			fmt.Errorf("symbol %s: %w", symbol, err))
	}

	observations := make([]models.Observation, 0, len(records))
	for _, rec := range records {
		obs, err := rec.toObservation()
		if err != nil {
			return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode funding",
				fmt.Errorf("symbol %s: %w", symbol, err))
		}
		observations = append(observations, obs)
	}

	c.logger.Debug("fetched daily funding",
		"symbol", symbol,
		"records", len(observations))
	return observations, nil
}

// Instrument fetches instrument metadata for one symbol. The API responds
// with a one-element list; an empty list means the symbol is unknown.
func (c *Client) Instrument(ctx context.Context, symbol string) (*models.AssetDetail, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, instrumentEndpoint, params)
	if err != nil {
		return nil, err
	}

	var records []instrumentRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode instrument",
			fmt.Errorf("symbol %s: %w", symbol, err))
	}
	if len(records) == 0 {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode instrument",
			fmt.Errorf("symbol %s: empty instrument response", symbol))
	}

	detail, err := records[0].toAssetDetail()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode instrument",
			fmt.Errorf("symbol %s: %w", symbol, err))
	}

	c.logger.Debug("fetched instrument", "symbol", symbol, "root", detail.RootSymbol)
	return detail, nil
}

// get waits for the pacing limiter, then issues one GET request. Non-2xx
// responses and network failures are fatal; no retry happens here.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("request pacing interrupted: %w", err)
	}

	requestURL := c.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-bitmex-collector/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.New(apperrors.ErrorTypeRemote, component, "GET "+endpoint,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	return body, nil
}

// API response structures.
//
// Required fields are pointers so that an absent field is a decode error at
// the boundary rather than a zero value surfacing later.

type tradeBucketRecord struct {
	Timestamp string           `json:"timestamp"`
	Symbol    string           `json:"symbol"`
	Close     *decimal.Decimal `json:"close"`
}

func (r tradeBucketRecord) toObservation() (models.Observation, error) {
	if r.Timestamp == "" {
		return models.Observation{}, fmt.Errorf("record missing required field timestamp")
	}
	if r.Close == nil {
		return models.Observation{}, fmt.Errorf("record %s missing required field close", r.Timestamp)
	}
	ts, err := time.Parse(timestampFormat, r.Timestamp)
	if err != nil {
		return models.Observation{}, fmt.Errorf("invalid timestamp %q: %w", r.Timestamp, err)
	}
	return models.Observation{Date: models.DateOf(ts), Value: *r.Close}, nil
}

type fundingRecord struct {
	Timestamp        string           `json:"timestamp"`
	Symbol           string           `json:"symbol"`
	FundingRateDaily *decimal.Decimal `json:"fundingRateDaily"`
}

func (r fundingRecord) toObservation() (models.Observation, error) {
	if r.Timestamp == "" {
		return models.Observation{}, fmt.Errorf("record missing required field timestamp")
	}
	if r.FundingRateDaily == nil {
		return models.Observation{}, fmt.Errorf("record %s missing required field fundingRateDaily", r.Timestamp)
	}
	ts, err := time.Parse(timestampFormat, r.Timestamp)
	if err != nil {
		return models.Observation{}, fmt.Errorf("invalid timestamp %q: %w", r.Timestamp, err)
	}
	return models.Observation{Date: models.DateOf(ts), Value: *r.FundingRateDaily}, nil
}

type instrumentRecord struct {
	Symbol     string           `json:"symbol"`
	RootSymbol string           `json:"rootSymbol"`
	Underlying string           `json:"underlying"`
	TickSize   *decimal.Decimal `json:"tickSize"`
	Multiplier *decimal.Decimal `json:"multiplier"`
	Listing    string           `json:"listing"`
	Expiry     *string          `json:"expiry"`
}

func (r instrumentRecord) toAssetDetail() (*models.AssetDetail, error) {
	if r.Symbol == "" {
		return nil, fmt.Errorf("instrument missing required field symbol")
	}
	if r.RootSymbol == "" {
		return nil, fmt.Errorf("instrument %s missing required field rootSymbol", r.Symbol)
	}
	if r.Listing == "" {
		return nil, fmt.Errorf("instrument %s missing required field listing", r.Symbol)
	}
	if r.TickSize == nil {
		return nil, fmt.Errorf("instrument %s missing required field tickSize", r.Symbol)
	}

	listing, err := time.Parse(timestampFormat, r.Listing)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: invalid listing %q: %w", r.Symbol, r.Listing, err)
	}

	detail := &models.AssetDetail{
		Symbol:     r.Symbol,
		RootSymbol: r.RootSymbol,
		Underlying: r.Underlying,
		TickSize:   *r.TickSize,
		Listing:    listing.UTC(),
	}
	if r.Multiplier != nil {
		detail.Multiplier = *r.Multiplier
	}
	// Expiry is null for perpetuals and indices.
	if r.Expiry != nil {
		expiry, err := time.Parse(timestampFormat, *r.Expiry)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: invalid expiry %q: %w", r.Symbol, *r.Expiry, err)
		}
		utc := expiry.UTC()
		detail.Expiry = &utc
	}

	return detail, nil
}
