package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"fxwatch/internal/alerting"
	"fxwatch/internal/conversion"
	"fxwatch/internal/currency"
	"fxwatch/internal/storage"
)

const maxBodyBytes = 1 << 16

type rateResponse struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	Mode      currency.Mode   `json:"mode"`
	Timestamp time.Time       `json:"timestamp"`
}

type convertRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Mode   string          `json:"mode"`
}

type alertRequest struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	TargetRate decimal.Decimal `json:"target_rate"`
	Phone      string          `json:"phone_number"`
}

type subscribeRequest struct {
	Phone string `json:"phone"`
}

type subscribeResponse struct {
	Status     string             `json:"status"`
	Subscriber storage.Subscriber `json:"subscriber"`
}

type testSMSResponse struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode"`
	Message string `json:"message"`
}

type historyResponse struct {
	History   []storage.Conversion  `json:"history"`
	Analytics *conversion.Analytics `json:"analytics"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := ""
	if s.opts.Dispatcher != nil {
		mode = s.opts.Dispatcher.Mode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"dispatch_mode": mode,
		"time":          s.opts.Now().UTC(),
	})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	pair, err := s.pair(chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := currency.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	quote := s.opts.Rates.GetRate(r.Context(), pair, mode)
	writeJSON(w, http.StatusOK, rateResponse{
		From:      pair.Base,
		To:        pair.Quote,
		Rate:      quote.Rate.Round(6),
		Source:    quote.Source,
		Mode:      mode,
		Timestamp: quote.Timestamp,
	})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.pair(req.From, req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := currency.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := s.opts.Converter.Convert(r.Context(), pair, req.Amount, mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Alerts.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Alerts.List())
}

func (s *Server) handleRegisterAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.pair(req.From, req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}

	alert, err := s.opts.Alerts.Register(r.Context(), pair, req.TargetRate, req.Phone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.opts.Evaluator.EvaluateAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var phone string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req subscribeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		phone = req.Phone
	} else {
		phone = r.FormValue("phone")
	}

	sub, created, err := s.opts.Subscribers.Subscribe(r.Context(), phone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, subscribeResponse{Status: "already_subscribed", Subscriber: sub})
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResponse{Status: "subscribed", Subscriber: sub})
}

func (s *Server) handleTestSMS(w http.ResponseWriter, r *http.Request) {
	recipient, err := alerting.NormalizeRecipient(chi.URLParam(r, "phone"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := testSMSResponse{Mode: displayMode(s.opts.Dispatcher.Mode())}
	if err := s.opts.Dispatcher.Send(r.Context(), recipient, alerting.RenderTest(s.opts.Now())); err != nil {
		resp.Message = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	resp.Success = true
	resp.Message = "test message sent to " + recipient
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.opts.Converter.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := historyResponse{History: history}
	if analytics, ok := conversion.Analyze(history); ok {
		resp.Analytics = &analytics
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	history, err := s.opts.Converter.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversion.Dashboard(history, s.opts.Location))
}

func (s *Server) pair(from, to string) (currency.Pair, error) {
	pair := currency.NewPair(strings.ToUpper(strings.TrimSpace(from)), strings.ToUpper(strings.TrimSpace(to)))
	if s.opts.Supported != nil {
		if err := s.opts.Supported.Validate(pair); err != nil {
			return currency.Pair{}, err
		}
	}
	return pair, nil
}

// displayMode maps dispatcher modes onto the demo/live wording clients expect.
func displayMode(mode string) string {
	if mode == alerting.ModeDemo {
		return "demo"
	}
	return "live"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, currency.ErrUnsupportedCurrency),
		errors.Is(err, currency.ErrInvalidAmount),
		errors.Is(err, currency.ErrInvalidTargetRate),
		errors.Is(err, currency.ErrInvalidRecipient):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrPersistence):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
