package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"contractlens/internal/eventbus"
	"contractlens/internal/llm"
	"contractlens/internal/models"
	"contractlens/internal/pipeline"
	"contractlens/internal/retriever"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// AnalysisRunner executes the full contract analysis workflow.
type AnalysisRunner interface {
	Run(ctx context.Context, req pipeline.AnalysisRequest) *models.ContractAnalysisState
}

// QueryAnswerer answers questions over the indexed corpus.
type QueryAnswerer interface {
	Answer(ctx context.Context, query string, opts pipeline.QueryOptions) (*models.AnswerResult, error)
}

// Comparer runs the aspect-by-aspect contract comparison.
type Comparer interface {
	Compare(ctx context.Context, req pipeline.CompareRequest) (*models.ComparisonResult, error)
}

// ContractStore is the graph-backed contract surface.
type ContractStore interface {
	GetContract(ctx context.Context, contractID string) (*models.ContractView, error)
	DeleteContract(ctx context.Context, contractID string) error
}

// VectorAdmin covers vector-index maintenance used by the handlers.
type VectorAdmin interface {
	DeleteContract(ctx context.Context, contractID string) (int64, error)
	CountChunks(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// GraphReader serves the targeted graph lookups.
type GraphReader interface {
	ContextForClauseType(ctx context.Context, contractID, clauseType string) (*retriever.ClauseContext, error)
	ContractsByCompany(ctx context.Context, companyName string, limit int) ([]retriever.CompanyContract, error)
	RiskContextFor(ctx context.Context, contractID, riskLevel string) ([]retriever.RiskContext, error)
}

// CostReader serves cost analytics.
type CostReader interface {
	Daily(ctx context.Context, day time.Time) (*models.DailyCost, error)
	Range(ctx context.Context, from, to time.Time) (*models.DailyCost, error)
	Ping(ctx context.Context) error
}

// BreakerReporter exposes the model router's circuit breaker state.
type BreakerReporter interface {
	BreakerStatus() llm.BreakerStatus
}

// Deps carries everything the server needs.
type Deps struct {
	Analysis AnalysisRunner
	Query    QueryAnswerer
	Compare  Comparer
	Graph    ContractStore
	GraphCtx GraphReader
	Vectors  VectorAdmin
	Costs    CostReader
	Router   BreakerReporter
	Bus      *eventbus.Bus
	Log      *zap.Logger
}

type Server struct {
	deps       Deps
	log        *zap.Logger
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(deps Deps, port string) *Server {
	r := mux.NewRouter()

	s := &Server{deps: deps, log: deps.Log}

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerContractRoutes(r, s)
	registerAnalyticsRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus reports dependency health and breaker state. The payload
// is cached briefly since the pings touch every backend.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	vectorStatus := "ok"
	var totalChunks int64
	if s.deps.Vectors != nil {
		if err := s.deps.Vectors.Ping(ctx); err != nil {
			vectorStatus = "unreachable"
		} else if n, err := s.deps.Vectors.CountChunks(ctx); err == nil {
			totalChunks = n
		}
	}

	ledgerStatus := "ok"
	if s.deps.Costs != nil {
		if err := s.deps.Costs.Ping(ctx); err != nil {
			ledgerStatus = "unreachable"
		}
	}

	resp := map[string]interface{}{
		"status":       "ok",
		"commit":       BuildCommit,
		"vector_store": vectorStatus,
		"total_chunks": totalChunks,
		"cost_ledger":  ledgerStatus,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Router != nil {
		resp["model_router"] = s.deps.Router.BreakerStatus()
	}

	return json.Marshal(resp)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
