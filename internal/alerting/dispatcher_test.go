package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatch/internal/currency"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNormalizeRecipient(t *testing.T) {
	valid := map[string]string{
		"+12345678901":       "+12345678901",
		"+1 (234) 567-8901":  "+12345678901",
		"+91 98765 43210":    "+919876543210",
		"+123456789012345":   "+123456789012345",
		" +44 20 7946 0958 ": "+442079460958",
	}
	for in, want := range valid {
		got, err := NormalizeRecipient(in)
		if err != nil {
			t.Fatalf("%q should be accepted: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q normalised to %q, want %q", in, got, want)
		}
	}

	for _, in := range []string{"12345", "", "12345678901", "+12345678901234567", "1+2345678901"} {
		if _, err := NormalizeRecipient(in); !errors.Is(err, currency.ErrInvalidRecipient) {
			t.Fatalf("%q should be rejected with ErrInvalidRecipient, got %v", in, err)
		}
	}
}

func TestDemoDispatcherAlwaysSucceeds(t *testing.T) {
	d := NewDemoDispatcher(testLogger())
	if err := d.Send(context.Background(), "+12345678901", "hello"); err != nil {
		t.Fatalf("demo dispatcher should succeed: %v", err)
	}
	if d.Mode() != ModeDemo {
		t.Fatalf("unexpected mode %s", d.Mode())
	}
}

func TestTwilioDispatcherSuccess(t *testing.T) {
	var form map[string]string
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Messages.json") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{"To": r.PostForm.Get("To"), "From": r.PostForm.Get("From"), "Body": r.PostForm.Get("Body")}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"sid": "SM1", "status": "queued"})
	}))
	defer srv.Close()

	d := NewTwilioDispatcher(TwilioOptions{AccountSID: "AC123", AuthToken: "tok", From: "+15550001111", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	if err := d.Send(context.Background(), "+12345678901", "rate reached"); err != nil {
		t.Fatalf("send should succeed: %v", err)
	}
	if user != "AC123" || pass != "tok" {
		t.Fatalf("basic auth not sent: %q/%q", user, pass)
	}
	if form["To"] != "+12345678901" || form["From"] != "+15550001111" || form["Body"] != "rate reached" {
		t.Fatalf("unexpected form: %#v", form)
	}
}

func TestTwilioDispatcherFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 21211, "message": "invalid To number"})
	}))
	defer srv.Close()

	d := NewTwilioDispatcher(TwilioOptions{AccountSID: "AC123", AuthToken: "tok", APIBase: srv.URL}, testLogger())
	err := d.Send(context.Background(), "+12345678901", "x")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid To number") {
		t.Fatalf("error should carry twilio message: %v", err)
	}
}

func TestRenderTargetReached(t *testing.T) {
	msg := RenderTargetReached(AlertContext{
		Pair:       currency.NewPair("USD", "INR"),
		Target:     decimal.NewFromInt(80),
		Current:    decimal.NewFromInt(88),
		WeeklyHigh: decimal.RequireFromString("88.25"),
		At:         time.Date(2025, 9, 1, 9, 30, 0, 0, time.UTC),
	})
	for _, want := range []string{"USD→INR", "Target Rate: 80", "Current Rate: 88.000000", "Weekly High: 88.250000", "2025-09-01 09:30:00"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}
