package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lucks-13/foodtrace-capstone/pkg/ledger"
	"github.com/lucks-13/foodtrace-capstone/pkg/observability"
)

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins []string
	// Limiter overrides the in-memory per-IP limiter built from RateRPS
	// and RateBurst.
	Limiter        LimiterStore
	RateRPS        float64
	RateBurst      int
	MaxInFlight    int
	ReadTimeoutMax time.Duration
	MaxPayload     int
	JWTSecret      string
	Logger         *slog.Logger
	Observability  *observability.Provider
}

// Server routes HTTP requests to the ledger service.
type Server struct {
	svc      *ledger.Service
	opts     Options
	logger   *slog.Logger
	schema   *jsonschema.Schema
	auth     *JWTValidator
	maxBody  int64
	started  time.Time
	limiter  LimiterStore
	obs      *observability.Provider
	handlers http.Handler
}

func NewServer(svc *ledger.Service, opts Options) (*Server, error) {
	schema, err := compileSchema(addBatchSchemaURL, addBatchSchema)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = ledger.DefaultMaxPayload
	}
	limiter := opts.Limiter
	if limiter == nil && opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateRPS) + 1
		}
		limiter = NewMemoryLimiterStore(opts.RateRPS, burst)
	}

	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: logger,
		schema: schema,
		auth:   NewJWTValidator(opts.JWTSecret),
		// The JSON envelope escapes and wraps the payload.
		maxBody: int64(maxPayload)*2 + 1024,
		started: time.Now(),
		limiter: limiter,
		obs:     opts.Observability,
	}
	s.handlers = s.routes()
	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handlers
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	read := func(h http.HandlerFunc) http.Handler {
		return withReadTimeout(s.opts.ReadTimeoutMax, h)
	}
	write := func(h http.HandlerFunc) http.Handler {
		return requireAuth(s.auth, h)
	}

	mux.Handle("GET /{$}", read(s.handleRoot))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /districts", read(s.handleDistricts))
	mux.Handle("GET /stats", read(s.handleStats))
	mux.Handle("GET /safety/{district}", read(s.handleSafety))
	mux.Handle("GET /trace/{batch_id}", read(s.handleTrace))
	mux.Handle("GET /verify", read(s.handleVerify))
	mux.Handle("POST /add-batch", write(s.handleAddBatch))
	mux.Handle("POST /maintenance/rebuild-index", write(s.handleRebuildIndex))

	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})

	var h http.Handler = mux
	h = withConcurrencyLimit(s.opts.MaxInFlight, h)
	h = withRateLimit(s.limiter, s.logger, h)
	h = c.Handler(h)
	h = withAccessLog(s.logger, s.obs, h)
	h = withRequestID(h)
	return h
}
