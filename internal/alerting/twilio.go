package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fxwatch/internal/version"
)

// TwilioOptions configure the Twilio Messages API client.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Timeout    time.Duration
}

// TwilioDispatcher sends SMS through the Twilio REST API.
type TwilioDispatcher struct {
	opts    TwilioOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewTwilioDispatcher constructs a Twilio SMS dispatcher.
func NewTwilioDispatcher(opts TwilioOptions, logger zerolog.Logger) *TwilioDispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := opts.APIBase
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &TwilioDispatcher{
		opts:    opts,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "dispatch_twilio").Logger(),
	}
}

// Mode reports ModeTwilio.
func (d *TwilioDispatcher) Mode() string {
	return ModeTwilio
}

// Send posts the message to the Messages resource.
func (d *TwilioDispatcher) Send(ctx context.Context, recipient, message string) error {
	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", d.opts.From)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", d.baseURL, url.PathEscape(d.opts.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: create twilio request: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.SetBasicAuth(d.opts.AccountSID, d.opts.AuthToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send twilio request: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var result struct {
		SID       string `json:"sid"`
		Status    string `json:"status"`
		Message   string `json:"message"`
		Code      int    `json:"code"`
		ErrorCode *int   `json:"error_code"`
	}
	decodeErr := json.Unmarshal(payload, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Message != "" {
			return fmt.Errorf("%w: twilio status %d: %s (code %d)", ErrDispatch, resp.StatusCode, result.Message, result.Code)
		}
		return fmt.Errorf("%w: twilio status %d", ErrDispatch, resp.StatusCode)
	}
	if decodeErr == nil && (result.Status == "failed" || result.Status == "undelivered") {
		return fmt.Errorf("%w: twilio message %s %s", ErrDispatch, result.SID, result.Status)
	}

	d.logger.Info().Str("recipient", recipient).Str("sid", result.SID).Msg("sms sent")
	return nil
}

var _ Dispatcher = (*TwilioDispatcher)(nil)
