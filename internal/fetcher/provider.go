package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

const maxPayloadBytes = 1 << 20

// ProviderOptions parameterise an HTTP rate provider.
type ProviderOptions struct {
	Name string
	// URLTemplate may reference {base} and {quote}.
	URLTemplate string
	Extractor   Extractor
	Headers     map[string]string
	Timeout     time.Duration
	UserAgent   string
}

// HTTPProvider fetches a rate with a single GET and extracts it from the JSON body.
type HTTPProvider struct {
	opts   ProviderOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPProvider constructs an HTTP provider.
func NewHTTPProvider(opts ProviderOptions, logger zerolog.Logger) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.Extractor == nil {
		opts.Extractor = ExtractRates
	}

	return &HTTPProvider{
		opts:   opts,
		logger: logger.With().Str("component", "rate_provider").Str("provider", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in quotes, logs and metrics.
func (p *HTTPProvider) Name() string {
	return p.opts.Name
}

// FetchRate retrieves the pair's rate. Every failure is a *ProviderError.
func (p *HTTPProvider) FetchRate(ctx context.Context, pair currency.Pair) (decimal.Decimal, error) {
	if p.opts.URLTemplate == "" {
		return decimal.Decimal{}, p.fail(ReasonTransport, errors.New("url template not configured"))
	}

	endpoint := expandTemplate(p.opts.URLTemplate, pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, p.fail(ReasonTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for key, value := range p.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, p.fail(classifyTransport(err), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return decimal.Decimal{}, p.fail(classifyTransport(err), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Decimal{}, p.fail(ReasonStatus, parseHTTPError(p.opts.Name, resp.StatusCode, payload))
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, p.fail(ReasonMalformed, err)
	}

	if err := reportedError(body); err != nil {
		return decimal.Decimal{}, p.fail(ReasonProviderError, err)
	}

	rate, err := p.opts.Extractor(body, pair)
	if err != nil {
		if errors.Is(err, ErrMissingRate) {
			return decimal.Decimal{}, p.fail(ReasonInvalidRate, err)
		}
		return decimal.Decimal{}, p.fail(ReasonMalformed, err)
	}
	if !rate.IsPositive() {
		return decimal.Decimal{}, p.fail(ReasonInvalidRate, fmt.Errorf("non-positive rate %s", rate.String()))
	}

	p.logger.Debug().Str("pair", pair.String()).Str("rate", rate.String()).Msg("rate fetched")
	return rate, nil
}

func (p *HTTPProvider) fail(reason string, err error) error {
	return &ProviderError{Provider: p.opts.Name, Reason: reason, Err: err}
}

func expandTemplate(tmpl string, pair currency.Pair) string {
	return strings.NewReplacer(
		"{base}", url.PathEscape(pair.Base),
		"{quote}", url.PathEscape(pair.Quote),
	).Replace(tmpl)
}

func classifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonTransport
}

type errorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Message)
		}
		if !isNull(apiErr.Error) {
			return fmt.Errorf("%s api error (%d): %s", name, status, describeError(apiErr.Error))
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}

var _ Provider = (*HTTPProvider)(nil)
