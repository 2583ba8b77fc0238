package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SlotSource reports the quote slots.
type SlotSource interface {
	Slots() []tracker.SlotState
	Markets() []models.MarketSpec
}

// PositionSource reports rebalancer positions.
type PositionSource interface {
	Positions() map[string]models.Position
}

type Server struct {
	slots     SlotSource
	positions PositionSource
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	port      int
	srv       *http.Server
}

// NewServer builds the status server. positions may be nil when no market
// rebalances.
func NewServer(slots SlotSource, positions PositionSource, m *metrics.Metrics, logger *logrus.Logger, port int) *Server {
	s := &Server{
		slots:     slots,
		positions: positions,
		metrics:   m,
		logger:    logger,
		port:      port,
	}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/markets", s.handleMarkets)
	r.Get("/api/slots", s.handleSlots)
	r.Get("/api/positions", s.handlePositions)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %d", s.port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

type marketView struct {
	Symbol       string `json:"symbol"`
	SourceSymbol string `json:"source_symbol"`
	PriceAdjust  string `json:"price_adjust"`
	Rebalance    bool   `json:"rebalance"`
	BuyLevels    int    `json:"buy_levels"`
	SellLevels   int    `json:"sell_levels"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	specs := s.slots.Markets()
	out := make([]marketView, 0, len(specs))
	for _, m := range specs {
		out = append(out, marketView{
			Symbol:       m.Symbol,
			SourceSymbol: m.SourceSymbol,
			PriceAdjust:  m.PriceAdjust.String(),
			Rebalance:    m.Rebalance,
			BuyLevels:    m.Buy.Levels,
			SellLevels:   m.Sell.Levels,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleSlots lists slots, optionally filtered by ?market=.
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	slots := s.slots.Slots()
	out := make([]tracker.SlotState, 0, len(slots))
	for _, st := range slots {
		if market == "" || st.Key.Market == market {
			out = append(out, st)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		s.writeJSON(w, http.StatusOK, []models.Position{})
		return
	}
	byMarket := s.positions.Positions()
	out := make([]models.Position, 0, len(byMarket))
	for _, p := range byMarket {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
