package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/dealledger/internal/auth"
	"github.com/davidahmann/dealledger/internal/authority"
	"github.com/davidahmann/dealledger/internal/pack"
	"github.com/davidahmann/dealledger/pkg/types"
)

func (h *Handler) claims(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	c, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing credentials", nil)
	}
	return c, ok
}

func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	return h.requireRole(w, r, h.operatorRole)
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, role string) (auth.Claims, bool) {
	c, ok := h.claims(w, r)
	if !ok {
		return c, false
	}
	if !c.Authority().HasAnyRole([]string{role}) {
		writeError(w, r, http.StatusForbidden, "UNAUTHORIZED_ACTOR", role+" role required", nil)
		return c, false
	}
	return c, true
}

func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	c, ok := h.claims(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badJSON(w, r, err)
		return
	}
	deal, err := h.svc.CreateDeal(r.Context(), req.Name, c.Subject)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, deal)
}

func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := h.svc.ListDeals(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := h.svc.GetDeal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

// DealView serves the cached projection; ?fresh=true forces a re-read.
func (h *Handler) DealView(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	get := h.views.Get
	if r.URL.Query().Get("fresh") == "true" {
		get = h.views.Fresh
	}
	view, err := get(r.Context(), dealID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type appendBody struct {
	Type         types.EventType `json:"type"`
	Payload      map[string]any  `json:"payload"`
	EvidenceRefs []string        `json:"evidence_refs"`
}

// AppendEvent replays the stored response when an Idempotency-Key seen
// before for the same deal and caller is presented again.
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := h.claims(w, r)
	if !ok {
		return
	}
	dealID := chi.URLParam(r, "dealID")
	var req appendBody
	if err := readJSON(w, r, &req); err != nil {
		badJSON(w, r, err)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	scoped := dealID + "\x00" + c.Subject + "\x00" + idemKey
	if idemKey != "" {
		unlock, err := h.idemLocks.Lock(r.Context(), scoped)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		defer unlock()
		if rec, found := h.idem.Get(scoped, h.now()); found {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(rec.Status)
			_, _ = w.Write(rec.Body)
			return
		}
	}

	ev, err := h.svc.AppendEvent(r.Context(), authority.AppendRequest{
		DealID:       dealID,
		Type:         req.Type,
		Payload:      req.Payload,
		Authority:    c.Authority(),
		EvidenceRefs: req.EvidenceRefs,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.views.Invalidate(dealID)

	if idemKey != "" {
		body, err := json.Marshal(ev)
		if err == nil {
			h.idem.Put(IdemRecord{Key: scoped, Status: http.StatusCreated, Body: append(body, '\n'), CreatedAt: h.now()})
		}
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	c, ok := h.claims(w, r)
	if !ok {
		return
	}
	var req struct {
		Action       string         `json:"action"`
		Payload      map[string]any `json:"payload"`
		EvidenceRefs []string       `json:"evidence_refs"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badJSON(w, r, err)
		return
	}
	verdict := h.svc.Evaluate(r.Context(), authority.EvaluateRequest{
		DealID:       chi.URLParam(r, "dealID"),
		Action:       req.Action,
		Payload:      req.Payload,
		Authority:    c.Authority(),
		EvidenceRefs: req.EvidenceRefs,
	})
	writeJSON(w, http.StatusOK, verdict)
}

func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	res, err := h.svc.VerifyChain(r.Context(), dealID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !res.Valid {
		h.views.Invalidate(dealID)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ReinstateChain(w http.ResponseWriter, r *http.Request) {
	c, ok := h.requireOperator(w, r)
	if !ok {
		return
	}
	dealID := chi.URLParam(r, "dealID")
	deal, err := h.svc.ReinstateChain(r.Context(), dealID, c.Subject)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.views.Invalidate(dealID)
	writeJSON(w, http.StatusOK, deal)
}

func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.svc.Checkpoint(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (h *Handler) EvidencePack(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	in, err := h.svc.EvidencePack(r.Context(), dealID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	zipBytes, err := pack.BuildZip(in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="dealledger-`+dealID+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}

func (h *Handler) VerifyCheckpoint(w http.ResponseWriter, r *http.Request) {
	var cp types.Checkpoint
	if err := readJSON(w, r, &cp); err != nil {
		badJSON(w, r, err)
		return
	}
	if err := h.svc.VerifyCheckpoint(r.Context(), cp); err != nil {
		status, code := classify(err)
		if status == http.StatusUnprocessableEntity {
			writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
			return
		}
		writeError(w, r, status, code, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type claimBody struct {
	Field          string          `json:"field"`
	Value          string          `json:"value"`
	Tier           types.TrustTier `json:"trust_tier"`
	Confidence     *float64        `json:"confidence"`
	SourceDocument string          `json:"source_document"`
}

func (h *Handler) claimRequest(w http.ResponseWriter, r *http.Request) (authority.ClaimRequest, bool) {
	c, ok := h.claims(w, r)
	if !ok {
		return authority.ClaimRequest{}, false
	}
	var body claimBody
	if err := readJSON(w, r, &body); err != nil {
		badJSON(w, r, err)
		return authority.ClaimRequest{}, false
	}
	return authority.ClaimRequest{
		DealID:         chi.URLParam(r, "dealID"),
		Field:          body.Field,
		Value:          body.Value,
		Tier:           body.Tier,
		Confidence:     body.Confidence,
		SourceDocument: body.SourceDocument,
		ActorID:        c.Subject,
	}, true
}

func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	req, ok := h.claimRequest(w, r)
	if !ok {
		return
	}
	claim, err := h.svc.CreateClaim(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, h.ingestRole); !ok {
		return
	}
	req, ok := h.claimRequest(w, r)
	if !ok {
		return
	}
	claim, err := h.svc.IngestDocumentClaim(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.views.Invalidate(req.DealID)
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.svc.ListClaims(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := h.svc.GetClaim(r.Context(), chi.URLParam(r, "claimID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) PromoteClaim(w http.ResponseWriter, r *http.Request) {
	c, ok := h.claims(w, r)
	if !ok {
		return
	}
	var req struct {
		Attestation string `json:"attestation"`
	}
	if err := readOptionalJSON(w, r, &req); err != nil {
		badJSON(w, r, err)
		return
	}
	claim, err := h.svc.PromoteClaim(r.Context(), chi.URLParam(r, "claimID"), c.Subject, req.Attestation)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.views.Invalidate(claim.DealID)
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) ExtractionContext(w http.ResponseWriter, r *http.Request) {
	ec, err := h.svc.ExtractionContext(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ec)
}

func (h *Handler) RecordApproval(w http.ResponseWriter, r *http.Request) {
	c, ok := h.claims(w, r)
	if !ok {
		return
	}
	var req struct {
		Action string `json:"action"`
		Role   string `json:"role"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badJSON(w, r, err)
		return
	}
	dealID := chi.URLParam(r, "dealID")
	status, err := h.svc.RecordApproval(r.Context(), authority.ApprovalRequest{
		DealID:  dealID,
		Action:  req.Action,
		ActorID: c.Subject,
		Role:    req.Role,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.views.Invalidate(dealID)
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.ApprovalStatus(r.Context(), chi.URLParam(r, "dealID"), chi.URLParam(r, "action"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) RegisterActor(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireOperator(w, r); !ok {
		return
	}
	var actor types.Actor
	if err := readJSON(w, r, &actor); err != nil {
		badJSON(w, r, err)
		return
	}
	saved, err := h.svc.RegisterActor(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) GetActor(w http.ResponseWriter, r *http.Request) {
	actor, err := h.svc.GetActor(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}
