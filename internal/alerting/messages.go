package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	rateDigits = 6
)

// AlertContext carries the figures rendered into alert messages.
type AlertContext struct {
	Pair       currency.Pair
	Target     decimal.Decimal
	Current    decimal.Decimal
	WeeklyHigh decimal.Decimal
	At         time.Time
}

// RenderConfirmation is sent when an alert is registered.
func RenderConfirmation(c AlertContext) string {
	builder := strings.Builder{}
	builder.WriteString("[Currency Alert Registered]\n")
	builder.WriteString(fmt.Sprintf("%s\n", c.Pair))
	builder.WriteString(fmt.Sprintf("Target: %s\n", c.Target.String()))
	builder.WriteString(fmt.Sprintf("Current: %s\n", c.Current.StringFixed(rateDigits)))
	builder.WriteString(fmt.Sprintf("Weekly High: %s\n", c.WeeklyHigh.StringFixed(rateDigits)))
	builder.WriteString("\nYou'll be notified when the rate reaches your target!")
	return builder.String()
}

// RenderTargetReached is sent once when the target rate is reached.
func RenderTargetReached(c AlertContext) string {
	builder := strings.Builder{}
	builder.WriteString("[CURRENCY ALERT]\n\n")
	builder.WriteString(fmt.Sprintf("%s Rate Alert Triggered!\n\n", c.Pair))
	builder.WriteString(fmt.Sprintf("Target Rate: %s\n", c.Target.String()))
	builder.WriteString(fmt.Sprintf("Current Rate: %s\n", c.Current.StringFixed(rateDigits)))
	builder.WriteString(fmt.Sprintf("Weekly High: %s\n\n", c.WeeklyHigh.StringFixed(rateDigits)))
	builder.WriteString(fmt.Sprintf("Time: %s", c.At.Format(timeLayout)))
	return builder.String()
}

// RenderWeeklyHigh is sent once when the rate reaches the estimated weekly high.
func RenderWeeklyHigh(c AlertContext) string {
	builder := strings.Builder{}
	builder.WriteString("[WEEKLY HIGH ALERT]\n\n")
	builder.WriteString(fmt.Sprintf("%s reached weekly high!\n\n", c.Pair))
	builder.WriteString(fmt.Sprintf("Current Rate: %s\n", c.Current.StringFixed(rateDigits)))
	builder.WriteString(fmt.Sprintf("Weekly High: %s\n", c.WeeklyHigh.StringFixed(rateDigits)))
	builder.WriteString(fmt.Sprintf("Target: %s\n\n", c.Target.String()))
	builder.WriteString("This is the best rate this week!")
	return builder.String()
}

// RenderSubscribed confirms a daily digest subscription.
func RenderSubscribed(at time.Time) string {
	return fmt.Sprintf("You have subscribed to daily currency summary.\nTime: %s\nYou will receive daily updates.", at.Format(timeLayout))
}

// RenderTest is the body of a test SMS.
func RenderTest(at time.Time) string {
	return fmt.Sprintf("Test SMS from Currency Converter!\n\nThis is a test message to verify SMS functionality.\nTime: %s\n\nIf you received this, SMS alerts are working!", at.Format(timeLayout))
}
