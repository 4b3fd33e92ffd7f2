package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/dealledger/internal/auth"
	"github.com/davidahmann/dealledger/internal/authority"
	"github.com/davidahmann/dealledger/internal/lock"
	"github.com/davidahmann/dealledger/internal/projection"
	"github.com/davidahmann/dealledger/internal/telemetry"
)

const DefaultOperatorRole = "operator"

type Options struct {
	Service   *authority.Service
	Views     *projection.Cache
	Auth      auth.Authenticator
	Logger    *slog.Logger
	Limiter   *RateLimiter
	Telemetry *telemetry.Provider
	Idem      *InMemoryIdemStore
	// OperatorRole gates actor registration and chain reinstatement.
	OperatorRole string
	// IngestRole gates document ingestion. Empty means
	// authority.DefaultIngestRole.
	IngestRole string
	Now        func() time.Time
}

type Handler struct {
	svc          *authority.Service
	views        *projection.Cache
	idem         *InMemoryIdemStore
	idemLocks    *lock.Local
	operatorRole string
	ingestRole   string
	now          func() time.Time
}

func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		svc:          opts.Service,
		views:        opts.Views,
		idem:         opts.Idem,
		idemLocks:    lock.NewLocal(),
		operatorRole: opts.OperatorRole,
		ingestRole:   opts.IngestRole,
		now:          opts.Now,
	}
	if h.views == nil && h.svc != nil {
		h.views = projection.NewCache(h.svc.Reader(), 5*time.Second)
	}
	if h.idem == nil {
		h.idem = NewInMemoryIdemStore(0)
	}
	if h.operatorRole == "" {
		h.operatorRole = DefaultOperatorRole
	}
	if h.ingestRole == "" {
		h.ingestRole = authority.DefaultIngestRole
	}
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	if opts.Telemetry != nil {
		r.Use(opts.Telemetry.Middleware)
	}
	r.Use(accessLog(logger.With("component", "api")))
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Use(authenticate(opts.Auth))

		api.Post("/deals", h.CreateDeal)
		api.Get("/deals", h.ListDeals)
		api.Route("/deals/{dealID}", func(d chi.Router) {
			d.Get("/", h.GetDeal)
			d.Get("/view", h.DealView)
			d.Get("/events", h.ListEvents)
			d.Post("/events", h.AppendEvent)
			d.Post("/evaluate", h.Evaluate)
			d.Get("/verify", h.VerifyChain)
			d.Post("/reinstate", h.ReinstateChain)
			d.Get("/checkpoint", h.Checkpoint)
			d.Get("/pack", h.EvidencePack)
			d.Get("/claims", h.ListClaims)
			d.Post("/claims", h.CreateClaim)
			d.Post("/documents", h.IngestDocument)
			d.Get("/extraction-context", h.ExtractionContext)
			d.Post("/approvals", h.RecordApproval)
			d.Get("/approvals/{action}", h.ApprovalStatus)
		})
		api.Get("/claims/{claimID}", h.GetClaim)
		api.Post("/claims/{claimID}/promote", h.PromoteClaim)
		api.Post("/checkpoints/verify", h.VerifyCheckpoint)
		api.Post("/actors", h.RegisterActor)
		api.Get("/actors/{actorID}", h.GetActor)
	})

	return r
}
