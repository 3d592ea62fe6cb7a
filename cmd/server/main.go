package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spot-matching-core/internal/book"
	"spot-matching-core/internal/config"
	"spot-matching-core/internal/db"
	"spot-matching-core/internal/engine"
	"spot-matching-core/internal/gate"
	"spot-matching-core/internal/intake"
	"spot-matching-core/internal/metrics"
	"spot-matching-core/internal/models"
	"spot-matching-core/internal/stream"
)

// Server wires the intake and engine behind HTTP handlers.
type Server struct {
	db     *sql.DB
	intake *intake.Intake
	engine *engine.Engine
	log    *zap.Logger
}

func main() {
	// Load environment variables if present (non-fatal).
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting matching core",
		zap.String("instrument", cfg.Instrument),
		zap.String("listen_addr", cfg.ListenAddr),
	)

	database, err := db.Connect(cfg.DSN)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	if err := db.EnsureSchema(database); err != nil {
		log.Fatal("failed to ensure schema", zap.Error(err))
	}

	ledger, err := db.NewLedger(database, log)
	if err != nil {
		log.Fatal("failed to prepare ledger", zap.Error(err))
	}
	defer ledger.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	queue := stream.NewQueue(log)
	defer queue.Close()
	bus := stream.NewBus(log)
	defer bus.Close()

	orderBook := book.New(log)
	matchingEngine := engine.New(engine.Config{
		Instrument:              cfg.Instrument,
		Epsilon:                 cfg.MatchEpsilon,
		PriceLevelsDefault:      cfg.PriceLevelsDefault,
		RecentTradesDefault:     cfg.RecentTradesDefault,
		MarketNoLiquidityStatus: cfg.MarketNoLiquidityStatus,
	}, ledger, orderBook, queue, bus, log, collector)

	if err := matchingEngine.Rebuild(); err != nil {
		log.Fatal("failed to rebuild order book from ledger", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := matchingEngine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("matching engine stopped", zap.Error(err))
		}
	}()

	srv := &Server{
		db:     database,
		intake: intake.New(cfg.Instrument, ledger, gate.NewMemoryGate(cfg.IdempotencyTTL), queue, log, collector),
		engine: matchingEngine,
		log:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", srv.handleOrders)
	mux.HandleFunc("/orders/", srv.handleOrderByID)
	mux.HandleFunc("/orderbook", srv.handleOrderBook)
	mux.HandleFunc("/trades", srv.handleTrades)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	cancel()
	log.Info("server stopped")
}

// handleOrders accepts POST /orders to submit a new order. The idempotency
// key comes from the body or the Idempotency-Key header.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sub models.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, models.NewError(models.KindValidation, "invalid JSON body"))
		return
	}
	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	order, err := s.intake.Submit(&sub)
	if err != nil {
		s.logRejection("submit rejected", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// handleOrderByID supports GET /orders/{id} and DELETE /orders/{id}.
func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/orders/")
	orderID, err := strconv.ParseInt(path, 10, 64)
	if err != nil || orderID <= 0 {
		writeError(w, models.NewError(models.KindValidation, "invalid order id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := s.engine.GetOrder(orderID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case http.MethodDelete:
		order, err := s.intake.Cancel(orderID)
		if err != nil {
			s.logRejection("cancel rejected", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"order_id": order.ID,
			"status":   string(order.Status),
			"message":  "cancellation enqueued",
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleOrderBook returns the aggregated top of book: GET /orderbook?levels=N
func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	levels := 0
	if v := r.URL.Query().Get("levels"); v != "" {
		var err error
		levels, err = strconv.Atoi(v)
		if err != nil || levels < 1 {
			writeError(w, models.NewError(models.KindValidation, "invalid levels parameter"))
			return
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot(levels))
}

// handleTrades returns recent trades: GET /trades?limit=N&detailed=true
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, models.NewError(models.KindValidation, "invalid limit parameter"))
			return
		}
	}

	if r.URL.Query().Get("detailed") == "true" {
		trades, err := s.engine.DetailedTrades(limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
		return
	}

	trades, err := s.engine.RecentTrades(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// handleHealth verifies database connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) logRejection(msg string, err error) {
	switch models.KindOf(err) {
	case models.KindValidation, models.KindDuplicate, models.KindNotFound, models.KindConflict:
		s.log.Debug(msg, zap.Error(err))
	default:
		s.log.Error(msg, zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP statuses. Operator-class
// failures never leak details to the client.
func writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	var status int
	body := err.Error()
	switch kind {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindDuplicate, models.KindConflict:
		status = http.StatusConflict
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindCache, models.KindQueue:
		status = http.StatusServiceUnavailable
		body = "service unavailable"
	default:
		status = http.StatusInternalServerError
		body = "internal server error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": body,
		"kind":  string(kind),
	})
}
