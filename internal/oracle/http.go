package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"peg-stabilizer/internal/stabilization"
)

const pricePath = "/prices/"

// HTTPOptions parameterise the HTTP price feed.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// RequestsPerSecond throttles calls to the feed; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// HTTPOracle fetches prices from a JSON endpoint of the form
// GET {base}/prices/{pair}.
type HTTPOracle struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewHTTPOracle constructs an HTTP oracle.
func NewHTTPOracle(opts HTTPOptions, logger zerolog.Logger) *HTTPOracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &HTTPOracle{
		opts:    opts,
		logger:  logger.With().Str("component", "http_oracle").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: limiter,
	}
}

// FetchPrice implements PriceOracle.
func (o *HTTPOracle) FetchPrice(ctx context.Context, pairID string) (stabilization.PriceSample, error) {
	if o.baseURL == "" {
		return stabilization.PriceSample{}, fmt.Errorf("%w: base url not configured", ErrOracleUnavailable)
	}
	if pairID == "" {
		return stabilization.PriceSample{}, errors.New("pair id required")
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return stabilization.PriceSample{}, fmt.Errorf("%w: rate limiter: %w", ErrOracleUnavailable, err)
		}
	}

	endpoint := o.baseURL + pricePath + url.PathEscape(pairID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return stabilization.PriceSample{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(o.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "pegstab/1.0")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return stabilization.PriceSample{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return stabilization.PriceSample{}, fmt.Errorf("%w: read body: %w", ErrOracleUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return stabilization.PriceSample{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, parseHTTPError(resp.StatusCode, payload))
	}

	var res priceResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return stabilization.PriceSample{}, fmt.Errorf("%w: decode response: %w", ErrOracleUnavailable, err)
	}

	value, err := decimal.NewFromString(res.Price)
	if err != nil {
		return stabilization.PriceSample{}, fmt.Errorf("%w: parse price: %w", ErrOracleUnavailable, err)
	}

	ts := res.Timestamp.UTC()
	if res.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}

	source := res.Source
	if source == "" {
		source = "http:" + o.baseURL
	}

	return stabilization.PriceSample{Value: value, Timestamp: ts, SourceID: source}, nil
}

type priceResponse struct {
	Pair      string    `json:"pair"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ PriceOracle = (*HTTPOracle)(nil)
