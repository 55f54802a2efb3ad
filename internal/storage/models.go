package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

// Alert is a per-pair target alert. TriggeredAt and WeeklyHighNotified only
// ever move from unset to set; alerts are never deleted.
type Alert struct {
	ID                 string          `json:"id"`
	Pair               currency.Pair   `json:"pair"`
	TargetRate         decimal.Decimal `json:"target_rate"`
	Recipient          string          `json:"phone_number"`
	CreatedAt          time.Time       `json:"created_at"`
	CurrentRate        decimal.Decimal `json:"current_rate"`
	WeeklyHigh         decimal.Decimal `json:"weekly_high"`
	TriggeredAt        *time.Time      `json:"triggered_at"`
	WeeklyHighNotified bool            `json:"weekly_high_notified"`
	SMSSent            bool            `json:"sms_sent"`
}

// Terminal reports whether the target condition has already fired.
func (a Alert) Terminal() bool {
	return a.TriggeredAt != nil
}

// Clone returns a copy that shares no pointers with a.
func (a Alert) Clone() Alert {
	if a.TriggeredAt != nil {
		at := *a.TriggeredAt
		a.TriggeredAt = &at
	}
	return a
}

// Preferences are per-subscriber digest settings.
type Preferences struct {
	Pairs []currency.Pair `json:"pairs"`
}

// Subscriber receives the daily digest.
type Subscriber struct {
	Recipient   string      `json:"phone"`
	CreatedAt   time.Time   `json:"created_at"`
	Preferences Preferences `json:"prefs"`
}

// CostRange is the min/max band around a conversion result.
type CostRange struct {
	Min      decimal.Decimal `json:"min"`
	Max      decimal.Decimal `json:"max"`
	Variance decimal.Decimal `json:"variance"`
}

// Conversion is a completed conversion appended to history.
type Conversion struct {
	Pair      currency.Pair   `json:"pair"`
	Amount    decimal.Decimal `json:"amount"`
	Result    decimal.Decimal `json:"result"`
	Rate      decimal.Decimal `json:"rate"`
	Mode      currency.Mode   `json:"mode"`
	CostRange CostRange       `json:"cost_range"`
	Time      time.Time       `json:"time"`
}
