package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"contractlens/internal/api"
	"contractlens/internal/config"
	"contractlens/internal/eventbus"
	"contractlens/internal/graphstore"
	"contractlens/internal/ledger"
	"contractlens/internal/llm"
	"contractlens/internal/parser"
	"contractlens/internal/pipeline"
	"contractlens/internal/retriever"
	"contractlens/internal/vectorstore"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	log, err := buildLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	log.Info("starting contractlens",
		zap.String("commit", BuildCommit),
		zap.String("db", redactDatabaseURL(cfg.DatabaseURL)),
		zap.String("redis", redactDatabaseURL(cfg.RedisURL)),
		zap.String("graph", redactDatabaseURL(cfg.GraphURL)),
		zap.Int("port", cfg.APIPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cost ledger on Redis.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	costLedger := ledger.New(redisClient, log)

	// Property graph on FalkorDB (RESP protocol, separate instance).
	graphOpts, err := redis.ParseURL(cfg.GraphURL)
	if err != nil {
		log.Fatal("parse graph url", zap.Error(err))
	}
	graphClient := redis.NewClient(graphOpts)
	defer graphClient.Close()
	graph := graphstore.NewGraph(graphClient, cfg.GraphName)
	graphStore := graphstore.NewStore(graph, log)
	graphStore.InitSchema(ctx)

	// Gemini provider behind the retry/breaker router.
	provider := llm.NewGeminiProvider(cfg.GeminiAPIKey, log)
	router := llm.NewRouter(provider, llm.Settings{
		Timeout:    time.Duration(cfg.Router.TimeoutSec) * time.Second,
		MaxTimeout: time.Duration(cfg.Router.MaxTimeoutSec) * time.Second,
		MaxRetries: cfg.Router.MaxRetries,
		FailMax:    cfg.Router.FailMax,
		ResetAfter: time.Duration(cfg.Router.ResetAfterSec) * time.Second,
	}, log)
	embedder := llm.NewGeminiEmbedder(cfg.GeminiAPIKey, log)

	// pgvector-backed chunk store.
	vectors, err := vectorstore.NewStore(ctx, cfg.DatabaseURL, embedder, log)
	if err != nil {
		log.Fatal("connect vector store", zap.Error(err))
	}
	defer vectors.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Info("schema migration skipped")
	} else {
		if err := vectors.Migrate(ctx, cfg.SchemaPath); err != nil {
			log.Fatal("migrate vector store", zap.Error(err))
		}
	}

	// Document parsing via the LlamaParse cloud API.
	docParser := parser.NewCloudParser(cfg.ParserAPIKey, log)
	if cfg.ParserURL != "" {
		docParser.WithBaseURL(cfg.ParserURL)
	}

	// Retrieval and pipelines.
	graphRetriever := retriever.NewGraphContextRetriever(graph, log)
	hybrid := retriever.NewHybridRetriever(vectors, graphRetriever, log)
	queryPipeline := pipeline.NewQueryPipeline(hybrid, router, costLedger, log)
	analysisPipeline := pipeline.NewAnalysisPipeline(
		docParser, router, vectors, graphStore, queryPipeline, costLedger, log)
	comparisonPipeline := pipeline.NewComparisonPipeline(vectors, graphStore, router, costLedger, log)

	bus := eventbus.New()
	defer bus.Close()

	api.BuildCommit = BuildCommit
	server := api.NewServer(api.Deps{
		Analysis: analysisPipeline,
		Query:    queryPipeline,
		Compare:  comparisonPipeline,
		Graph:    graphStore,
		GraphCtx: graphRetriever,
		Vectors:  vectors,
		Costs:    costLedger,
		Router:   router,
		Bus:      bus,
		Log:      log,
	}, strconv.Itoa(cfg.APIPort))

	go func() {
		log.Info("api listening", zap.Int("port", cfg.APIPort))
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	cancel()
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_PRETTY") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
