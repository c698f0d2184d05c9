// Package dashboard serves the operational HTTP surface: candidate and
// decision state as JSON, gateway session health, and Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cdodd/optcom/internal/engine"
	"github.com/cdodd/optcom/internal/gateway"
	"github.com/cdodd/optcom/internal/models"
	"github.com/cdodd/optcom/internal/storage"
)

// StatusChecker reports gateway session health. Satisfied by
// *gateway.Manager.
type StatusChecker interface {
	CheckIndividualStatus(ctx context.Context) (gateway.Status, error)
}

// SpreadSource reconstructs open vertical spreads from broker positions.
// Satisfied by *engine.Engine.
type SpreadSource interface {
	OpenSpreads(ctx context.Context) ([]engine.SpreadPosition, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	gateway   StatusChecker
	spreads   SpreadSource
	metrics   *Metrics
	logger    *logrus.Logger
	port      int
	authToken string
	started   time.Time
}

type Config struct {
	Port      int
	AuthToken string
}

// CandidateView is the JSON shape served for one candidate row. ShortID is
// the eight-character form used across logs and order tags.
type CandidateView struct {
	TradeID          string  `json:"trade_id"`
	ShortID          string  `json:"short_id"`
	Ticker           string  `json:"ticker"`
	StrategyType     string  `json:"strategy_type"`
	StrikeBuy        float64 `json:"strike_buy"`
	StrikeSell       float64 `json:"strike_sell"`
	Expiry           string  `json:"expiry"`
	EstimatedPremium float64 `json:"estimated_premium"`
	TriggerPrice     float64 `json:"trigger_price"`
	Status           string  `json:"status"`
	Triggered        bool    `json:"triggered"`
	LastCheckedPrice float64 `json:"last_checked_price,omitempty"`
	ObservedPremium  float64 `json:"observed_premium,omitempty"`
}

// SessionView is the JSON shape for one gateway session's state.
type SessionView struct {
	Session string `json:"session"`
	State   string `json:"state"`
}

// StatusView is the JSON shape served by /api/status.
type StatusView struct {
	Healthy  bool          `json:"healthy"`
	Sessions []SessionView `json:"sessions"`
	Uptime   string        `json:"uptime"`
}

// SpreadView is the JSON shape for one open vertical reconstructed from
// broker positions.
type SpreadView struct {
	Ticker      string  `json:"ticker"`
	Expiry      string  `json:"expiry"`
	Kind        string  `json:"kind"`
	LongStrike  float64 `json:"long_strike"`
	ShortStrike float64 `json:"short_strike"`
	Quantity    int64   `json:"quantity"`
}

// SummaryView aggregates the day's decisions by status.
type SummaryView struct {
	Date     string         `json:"date"`
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func NewServer(cfg Config, store storage.Interface, gw StatusChecker, spreads SpreadSource, metrics *Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		gateway:   gw,
		spreads:   spreads,
		metrics:   metrics,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		started:   time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/candidates", s.handleCandidates)
	s.router.Get("/api/candidates/{tradeID}", s.handleCandidate)
	s.router.Get("/api/summary", s.handleSummary)
	s.router.Get("/api/spreads", s.handleSpreads)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		http.Error(w, "gateway status unavailable", http.StatusServiceUnavailable)
		return
	}
	st, err := s.gateway.CheckIndividualStatus(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Gateway status check failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, StatusView{
		Healthy: st.Healthy(),
		Sessions: []SessionView{
			{Session: string(gateway.SessionPaper), State: string(st.StateOf(gateway.SessionPaper))},
			{Session: string(gateway.SessionLive), State: string(st.StateOf(gateway.SessionLive))},
		},
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.fetchForDate(r)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch candidates")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]CandidateView, 0, len(candidates))
	for i := range candidates {
		views = append(views, candidateView(&candidates[i]))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	candidates, err := s.fetchForDate(r)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch candidates")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	for i := range candidates {
		c := &candidates[i]
		if c.TradeID == tradeID || models.ShortTradeID(c.TradeID) == tradeID {
			s.writeJSON(w, candidateView(c))
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.fetchForDate(r)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch candidates")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	summary := SummaryView{
		Date:     dateParam(r),
		Total:    len(candidates),
		ByStatus: make(map[string]int),
	}
	for i := range candidates {
		status := string(candidates[i].Status)
		if status == "" {
			status = "pending"
		}
		summary.ByStatus[status]++
	}
	s.writeJSON(w, summary)
}

func (s *Server) handleSpreads(w http.ResponseWriter, r *http.Request) {
	if s.spreads == nil {
		http.Error(w, "positions unavailable", http.StatusServiceUnavailable)
		return
	}
	spreads, err := s.spreads.OpenSpreads(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to snapshot positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]SpreadView, 0, len(spreads))
	for _, sp := range spreads {
		views = append(views, SpreadView{
			Ticker:      sp.Ticker,
			Expiry:      sp.Expiry,
			Kind:        sp.Kind(),
			LongStrike:  sp.LongStrike,
			ShortStrike: sp.ShortStrike,
			Quantity:    sp.Quantity,
		})
	}
	s.writeJSON(w, views)
}

func (s *Server) fetchForDate(r *http.Request) ([]models.StrategyCandidate, error) {
	return s.storage.FetchCandidatesForDate(r.Context(), dateParam(r))
}

func dateParam(r *http.Request) string {
	if date := r.URL.Query().Get("date"); date != "" {
		return date
	}
	return time.Now().UTC().Format("2006-01-02")
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func candidateView(c *models.StrategyCandidate) CandidateView {
	return CandidateView{
		TradeID:          c.TradeID,
		ShortID:          models.ShortTradeID(c.TradeID),
		Ticker:           c.Ticker,
		StrategyType:     string(c.StrategyType),
		StrikeBuy:        c.StrikeBuy,
		StrikeSell:       c.StrikeSell,
		Expiry:           c.Expiry,
		EstimatedPremium: c.EstimatedPremium,
		TriggerPrice:     c.TriggerPrice,
		Status:           string(c.Status),
		Triggered:        c.Triggered(),
		LastCheckedPrice: c.LastCheckedPrice,
		ObservedPremium:  c.ObservedPremium,
	}
}
