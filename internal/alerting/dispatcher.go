package alerting

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"fxwatch/internal/currency"
)

// Dispatcher modes.
const (
	ModeDemo   = "demo"
	ModeTwilio = "twilio"
)

// ErrDispatch marks a delivery the backing transport reported as failed.
var ErrDispatch = errors.New("dispatch failed")

// Dispatcher hands a message to a recipient. A nil error means delivered.
type Dispatcher interface {
	Send(ctx context.Context, recipient, message string) error
	Mode() string
}

var recipientStrip = regexp.MustCompile(`[^\d+]`)

// NormalizeRecipient strips everything but digits and '+', then requires a
// leading '+' and a total length of 11 to 16 characters.
func NormalizeRecipient(raw string) (string, error) {
	cleaned := recipientStrip.ReplaceAllString(raw, "")
	if len(cleaned) < 11 || len(cleaned) > 16 || cleaned[0] != '+' {
		return "", fmt.Errorf("%w: %q: use international format (+1234567890)", currency.ErrInvalidRecipient, raw)
	}
	return cleaned, nil
}

// DemoDispatcher logs messages instead of delivering them and always succeeds.
type DemoDispatcher struct {
	logger zerolog.Logger
}

// NewDemoDispatcher constructs a logging-only dispatcher.
func NewDemoDispatcher(logger zerolog.Logger) *DemoDispatcher {
	return &DemoDispatcher{logger: logger.With().Str("component", "dispatch_demo").Logger()}
}

// Send logs the message.
func (d *DemoDispatcher) Send(_ context.Context, recipient, message string) error {
	d.logger.Info().Str("recipient", recipient).Str("message", message).Msg("demo mode: sms not delivered")
	return nil
}

// Mode reports ModeDemo.
func (d *DemoDispatcher) Mode() string {
	return ModeDemo
}

var _ Dispatcher = (*DemoDispatcher)(nil)
