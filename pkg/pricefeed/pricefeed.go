// Package pricefeed provides the ETH/USD quote used to value transactions.
package pricefeed

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/teltech/logger"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/megaetl/pkg/lookup"
	"golang.org/x/time/rate"
)

const (
	DefaultEtherscanURL = "https://api.etherscan.io/api"
	DefaultTTL          = 600 * time.Second

	defaultTimeout      = 10 * time.Second
	defaultRatePerSec   = 5
	defaultBurst        = 1
	maxResponseBodySize = 1 << 20
)

var ErrQuoteUnavailable = errors.New("price quote unavailable")

var log *logger.Log

func init() {
	log = logger.New()
}

// QuoteSource provides the current price of one ETH in USD.
type QuoteSource interface {
	Quote(ctx context.Context) (float64, error)
}

// Static is a fixed quote, for offline use.
type Static float64

func (s Static) Quote(ctx context.Context) (float64, error) {
	return float64(s), nil
}

type EtherscanConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RatePerSec float64 // Max requests per second towards the API
	Burst      int
}

type Etherscan struct {
	config  EtherscanConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewEtherscan(config EtherscanConfig) *Etherscan {
	if config.BaseURL == "" {
		config.BaseURL = DefaultEtherscanURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = defaultRatePerSec
	}
	if config.Burst <= 0 {
		config.Burst = defaultBurst
	}
	return &Etherscan{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSec), config.Burst),
	}
}

func (e *Etherscan) Quote(ctx context.Context) (float64, error) {

	if err := e.limiter.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "waiting for rate limiter")
	}

	q := url.Values{}
	q.Set("module", "stats")
	q.Set("action", "ethprice")
	q.Set("apikey", e.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "creating quote request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// The URL carries the API key
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return 0, errors.Mark(errors.Wrap(err, "requesting quote"), ErrQuoteUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "reading quote response"), ErrQuoteUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, errors.Wrapf(ErrQuoteUnavailable, "quote request failed with status %s", resp.Status)
	}

	return parseQuote(body)
}

func parseQuote(body []byte) (float64, error) {

	if !gjson.ValidBytes(body) {
		return 0, errors.Wrap(ErrQuoteUnavailable, "invalid JSON in quote response")
	}

	res := gjson.ParseBytes(body)
	if status := res.Get("status").String(); status != "1" {
		return 0, errors.Wrapf(ErrQuoteUnavailable, "quote API status %q, message: %s, result: %s",
			status, res.Get("message").String(), res.Get("result").String())
	}

	raw := res.Get("result.ethusd")
	if !raw.Exists() {
		return 0, errors.Wrap(ErrQuoteUnavailable, "no result.ethusd in quote response")
	}

	price, err := strconv.ParseFloat(raw.String(), 64)
	if err != nil || price <= 0 {
		return 0, errors.Wrapf(ErrQuoteUnavailable, "invalid ETH/USD quote %q", raw.String())
	}
	return price, nil
}

// CachedQuote serves quotes from src, refreshed at most once per TTL.
type CachedQuote struct {
	cache *lookup.Cache[float64]
}

// NewCachedQuote uses DefaultTTL if ttl is zero.
func NewCachedQuote(src QuoteSource, ttl time.Duration, opts ...lookup.Option[float64]) (*CachedQuote, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	cache, err := lookup.New(ttl, func(ctx context.Context) (float64, error) {
		price, err := src.Quote(ctx)
		if err != nil {
			log.Warnf("[pricefeed] quote refresh failed, err: %v", err)
			return 0, err
		}
		log.Infof("[pricefeed] ETH/USD quote refreshed: %v", price)
		return price, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &CachedQuote{cache: cache}, nil
}

func (c *CachedQuote) Quote(ctx context.Context) (float64, error) {
	return c.cache.Get(ctx)
}

func (c *CachedQuote) Fetches() int64 {
	return c.cache.Fetches()
}
