package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxwatch/internal/alerting"
	"fxwatch/internal/alerts"
	"fxwatch/internal/conversion"
	"fxwatch/internal/currency"
	"fxwatch/internal/fetcher"
	"fxwatch/internal/metrics"
	"fxwatch/internal/storage"
	"fxwatch/internal/subscribers"
)

type pinnedSource struct {
	rate decimal.Decimal
}

func (p *pinnedSource) GetRate(_ context.Context, pair currency.Pair, mode currency.Mode) fetcher.Quote {
	if pair.IsIdentity() {
		return fetcher.Quote{Pair: pair, Rate: decimal.NewFromInt(1), Source: fetcher.SourceIdentity}
	}
	source := "pinned"
	if mode == currency.ModeSimulated {
		source = fetcher.SourceFallback
	}
	return fetcher.Quote{Pair: pair, Rate: p.rate, Source: source, Timestamp: time.Now()}
}

func (p *pinnedSource) EstimateWeeklyHigh(context.Context, currency.Pair) decimal.Decimal {
	return p.rate
}

type fixture struct {
	handler http.Handler
	source  *pinnedSource
	store   *storage.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	source := &pinnedSource{rate: decimal.RequireFromString("83.5")}
	supported := currency.NewSet(currency.DefaultSupported...)
	dispatcher := alerting.NewDemoDispatcher(logger)

	srv := New(Options{
		Rates:     source,
		Supported: supported,
		Converter: conversion.NewConverter(conversion.Options{Source: source, Store: store, Supported: supported, Metrics: m}, logger),
		Alerts: alerts.NewRegistry(alerts.Options{
			Store:      store,
			Source:     source,
			Estimator:  source,
			Dispatcher: dispatcher,
			Supported:  supported,
			Metrics:    m,
		}, logger),
		Subscribers: subscribers.NewRegistry(subscribers.Options{Store: store, Dispatcher: dispatcher, Metrics: m}, logger),
		Dispatcher:  dispatcher,
		Gatherer:    registry,
	}, logger)
	return &fixture{handler: srv.Handler(), source: source, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, alerting.ModeDemo, body["dispatch_mode"])
}

func TestRateEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/rate/usd/inr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rate rateResponse
	decode(t, rec, &rate)
	assert.Equal(t, "USD", rate.From)
	assert.Equal(t, "INR", rate.To)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("83.5")))
	assert.Equal(t, currency.ModeLive, rate.Mode)

	rec = f.do(t, http.MethodGet, "/api/rate/USD/USD?mode=simulated", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &rate)
	assert.Equal(t, fetcher.SourceIdentity, rate.Source)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/rate/USD/XYZ", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/rate/USD/INR?mode=forecast", "").Code)
}

func TestConvertAndHistory(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/convert", `{"from":"USD","to":"INR","amount":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result conversion.Result
	decode(t, rec, &result)
	assert.Equal(t, "8350.00", result.Result.StringFixed(2))
	assert.Equal(t, "pinned", result.Source)

	rec = f.do(t, http.MethodPost, "/api/convert", `{"from":"USD","to":"INR","amount":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/convert", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history historyResponse
	decode(t, rec, &history)
	require.Len(t, history.History, 1)
	require.NotNil(t, history.Analytics)
	assert.Equal(t, 1, history.Analytics.TotalConversions)
	assert.Equal(t, "USD→INR", history.Analytics.MostFrequentPair)

	rec = f.do(t, http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dash conversion.DashboardData
	decode(t, rec, &dash)
	assert.Len(t, dash.Daily, 1)
	assert.Equal(t, []conversion.PairCount{{Pair: "USD→INR", Count: 1}}, dash.TopPairs)
}

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/alerts", `{"from":"USD","to":"INR","target_rate":90,"phone_number":"+1 (234) 567-8901"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var alert storage.Alert
	decode(t, rec, &alert)
	assert.Equal(t, "+12345678901", alert.Recipient)

	rec = f.do(t, http.MethodPost, "/api/alerts", `{"from":"USD","to":"INR","target_rate":90,"phone_number":"12345"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/alerts", `{"from":"USD","to":"INR","target_rate":-1,"phone_number":"+12345678901"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.source.rate = decimal.NewFromInt(91)
	rec = f.do(t, http.MethodPost, "/api/alerts/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evaluated struct {
		Count         int                   `json:"count"`
		Notifications []alerts.Notification `json:"notifications"`
	}
	decode(t, rec, &evaluated)
	require.Equal(t, 1, evaluated.Count)
	assert.Equal(t, alerts.KindTargetReached, evaluated.Notifications[0].Kind)

	rec = f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Alert
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].TriggeredAt)
	assert.True(t, list[0].SMSSent)
}

func TestListAlertsShowsAlertsFromOtherWriters(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/alerts", `{"from":"USD","to":"INR","target_rate":90,"phone_number":"+12345678901"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	stored, err := f.store.LoadAlerts(context.Background())
	require.NoError(t, err)
	stored = append(stored, storage.Alert{
		ID:         "from-cli",
		Pair:       currency.NewPair("EUR", "USD"),
		TargetRate: decimal.RequireFromString("1.2"),
		Recipient:  "+447700900123",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, f.store.SaveAlerts(context.Background(), stored))

	rec = f.do(t, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.Alert
	decode(t, rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "from-cli", list[1].ID)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/subscribe", `{"phone":"+447700900123"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	form := url.Values{"phone": {"+44 7700 900123"}}
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp subscribeResponse
	decode(t, rec, &resp)
	assert.Equal(t, "already_subscribed", resp.Status)

	rec = f.do(t, http.MethodPost, "/subscribe", `{"phone":"7700"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestSMS(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/test-sms/+12345678901", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp testSMSResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "demo", resp.Mode)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/test-sms/12345", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/convert", `{"from":"USD","to":"EUR","amount":5}`)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fxwatch_conversions_total")
}
