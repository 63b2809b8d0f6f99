// Package dashboard serves the operator surface: read-only JSON views of
// positions, trade statistics and decision traces, plus kill-switch control.
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

	"github.com/rdelgatto/permabull/internal/killswitch"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/positions"
	"github.com/rdelgatto/permabull/internal/storage"
)

type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`     // e.g. :8080
	AuthToken string `yaml:"auth_token"` // empty disables auth
}

// CloseAllFunc flattens every open position and returns how many were closed.
type CloseAllFunc func(ctx context.Context, reason string) (int, error)

// Server is the ops HTTP surface. It mostly reads trading state; the two
// mutations it offers are the kill switch and the close-all command.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     storage.Interface
	registry  *positions.Registry
	ks        *killswitch.Switch
	markOf    func(string) float64
	closeAll  CloseAllFunc
	logger    *logrus.Logger
	listen    string
	authToken string
}

type PositionView struct {
	Symbol        string    `json:"symbol"`
	State         string    `json:"state"`
	Side          string    `json:"side"`
	RemainingSize float64   `json:"remaining_size"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentStop   float64   `json:"current_stop"`
	Mark          float64   `json:"mark"`
	UnrealizedR   float64   `json:"unrealized_r"`
	Protected     bool      `json:"protected"`
	Trailing      bool      `json:"trailing"`
	OpenedAt      time.Time `json:"opened_at"`
}

type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AveragePnL    float64 `json:"average_pnl"`
	CurrentOpen   int     `json:"current_open"`
	KillSwitchOn  bool    `json:"kill_switch_on"`
}

func NewServer(cfg Config, store storage.Interface, registry *positions.Registry,
	ks *killswitch.Switch, markOf func(string) float64, closeAll CloseAllFunc, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		registry:  registry,
		ks:        ks,
		markOf:    markOf,
		closeAll:  closeAll,
		logger:    logger,
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/api/traces/{decisionID}", s.handleGetTraces)
	s.router.Get("/api/killswitch", s.handleGetKillSwitch)
	s.router.Post("/api/killswitch/activate", s.handleActivateKillSwitch)
	s.router.Post("/api/killswitch/deactivate", s.handleDeactivateKillSwitch)
	s.router.Post("/api/closeall", s.handleCloseAll)
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

// Start blocks serving until Shutdown or failure.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("listen", s.listen).Info("starting ops dashboard")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	views := make([]PositionView, 0)
	for _, pos := range s.registry.Snapshot() {
		views = append(views, s.view(pos))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.statistics()
	if err != nil {
		s.logger.WithError(err).Error("computing statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleGetTraces(w http.ResponseWriter, r *http.Request) {
	decisionID := chi.URLParam(r, "decisionID")
	traces, err := s.store.GetTraces(decisionID)
	if err != nil {
		s.logger.WithError(err).Error("fetching traces")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if len(traces) == 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, traces)
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.ks.State())
}

type killSwitchRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.By == "" || req.Reason == "" {
		http.Error(w, "by and reason are required", http.StatusBadRequest)
		return
	}
	if err := s.ks.Activate(req.By, req.Reason); err != nil {
		s.logger.WithError(err).Error("activating kill switch")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.logger.WithFields(logrus.Fields{"by": req.By, "reason": req.Reason}).
		Warn("kill switch activated via dashboard")
	s.writeJSON(w, s.ks.State())
}

func (s *Server) handleDeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.By == "" {
		http.Error(w, "by is required", http.StatusBadRequest)
		return
	}
	if err := s.ks.Deactivate(req.By); err != nil {
		s.logger.WithError(err).Error("deactivating kill switch")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, s.ks.State())
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	if s.closeAll == nil {
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
		return
	}
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.By == "" {
		http.Error(w, "by is required", http.StatusBadRequest)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator close-all"
	}
	closed, err := s.closeAll(r.Context(), fmt.Sprintf("%s (by %s)", reason, req.By))
	if err != nil {
		s.logger.WithError(err).WithField("closed", closed).Error("close-all incomplete")
		http.Error(w, fmt.Sprintf("closed %d positions before error: %v", closed, err),
			http.StatusInternalServerError)
		return
	}
	s.logger.WithFields(logrus.Fields{"by": req.By, "closed": closed}).
		Warn("close-all executed via dashboard")
	s.writeJSON(w, map[string]any{"closed": closed})
}

func (s *Server) view(pos *models.ManagedPosition) PositionView {
	mark := 0.0
	if s.markOf != nil {
		mark = s.markOf(pos.Symbol)
	}
	return PositionView{
		Symbol:        pos.Symbol,
		State:         string(pos.State),
		Side:          string(pos.Side),
		RemainingSize: pos.RemainingSize(),
		AvgEntryPrice: pos.AvgEntryPrice(),
		CurrentStop:   pos.CurrentStop,
		Mark:          mark,
		UnrealizedR:   pos.UnrealizedR(mark),
		Protected:     pos.IsProtected,
		Trailing:      pos.TrailingActive,
		OpenedAt:      pos.OpenedAtOrCreated(),
	}
}

func (s *Server) statistics() (*Statistics, error) {
	st, err := s.store.GetStatistics()
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	stats := &Statistics{
		TotalTrades:   st.TotalTrades,
		WinningTrades: st.WinningTrades,
		LosingTrades:  st.LosingTrades,
		WinRate:       st.WinRate * 100,
		TotalPnL:      st.TotalPnL,
		CurrentOpen:   s.registry.Len(),
		KillSwitchOn:  s.ks.Active(),
	}
	if st.TotalTrades > 0 {
		stats.AveragePnL = st.TotalPnL / float64(st.TotalTrades)
	}
	return stats, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}
