package authority

import (
	"errors"
	"testing"

	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/redact"
	"github.com/davidahmann/dealledger/internal/trust"
	"github.com/davidahmann/dealledger/pkg/types"
)

func ptr(f float64) *float64 { return &f }

func TestCreateClaimIsAlwaysAI(t *testing.T) {
	h := newHarness(t)
	deal := h.createDeal(t)

	for _, conf := range []*float64{nil, ptr(0), ptr(0.5), ptr(0.999)} {
		c, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "purchase_price", Value: "100", Confidence: conf})
		if err != nil {
			t.Fatalf("create claim: %v", err)
		}
		if c.Tier != types.TierAI {
			t.Fatalf("expected AI tier, got %s", c.Tier)
		}
	}

	for _, tier := range []types.TrustTier{types.TierHuman, types.TierDoc} {
		_, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "purchase_price", Value: "100", Tier: tier})
		if !errors.Is(err, trust.ErrInvalidTruthClass) {
			t.Fatalf("%s: expected ErrInvalidTruthClass, got %v", tier, err)
		}
	}

	if _, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: "missing", Field: "f", Value: "v"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown deal, got %v", err)
	}
}

func TestPromoteClaimOnce(t *testing.T) {
	h := newHarness(t)
	deal := h.createDeal(t)
	c, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "purchase_price", Value: "100", Confidence: ptr(0.7)})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}

	promoted, err := h.svc.PromoteClaim(h.ctx, c.ID, "cora", "checked against LOI")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Tier != types.TierHuman || promoted.PromotedBy == nil || *promoted.PromotedBy != "cora" {
		t.Fatalf("unexpected promoted claim: %+v", promoted)
	}
	if promoted.Attestation == nil || *promoted.Attestation != "checked against LOI" {
		t.Fatalf("attestation not recorded")
	}

	_, err = h.svc.PromoteClaim(h.ctx, c.ID, "cora", "again")
	var already *trust.AlreadyPromotedError
	if !errors.As(err, &already) || already.Tier != types.TierHuman {
		t.Fatalf("expected AlreadyPromotedError at HUMAN, got %v", err)
	}

	events, _ := h.svc.ListEvents(h.ctx, deal.ID)
	if countType(events, types.EventClaimPromoted) != 1 {
		t.Fatalf("expected one ClaimPromoted event")
	}

	if _, err := h.svc.PromoteClaim(h.ctx, "nope", "cora", ""); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDocumentClaimsCannotBePromoted(t *testing.T) {
	h := newHarness(t)
	deal := h.createDeal(t)

	if _, err := h.svc.IngestDocumentClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "title_report", Value: "clear"}); !errors.Is(err, trust.ErrInvalidClaim) {
		t.Fatalf("expected ErrInvalidClaim without source document, got %v", err)
	}

	doc, err := h.svc.IngestDocumentClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "title_report", Value: "clear", SourceDocument: "doc://title.pdf", Confidence: ptr(0.4), ActorID: "ingest"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if doc.Tier != types.TierDoc || doc.Confidence != nil {
		t.Fatalf("unexpected document claim: %+v", doc)
	}

	_, err = h.svc.PromoteClaim(h.ctx, doc.ID, "cora", "")
	var already *trust.AlreadyPromotedError
	if !errors.As(err, &already) || already.Tier != types.TierDoc {
		t.Fatalf("expected AlreadyPromotedError naming DOC, got %v", err)
	}

	events, _ := h.svc.ListEvents(h.ctx, deal.ID)
	last := events[len(events)-1]
	if last.Type != types.EventMaterialIngested || last.Payload["claim_id"] != doc.ID {
		t.Fatalf("expected MaterialIngested for %s, got %+v", doc.ID, last)
	}
}

func TestEvidenceRefsSelectClaim(t *testing.T) {
	h := newHarness(t)
	deal := h.driveTo(t, types.StateApproved)

	doc, err := h.svc.IngestDocumentClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "title_report", Value: "clear", SourceDocument: "doc://title.pdf", ActorID: "ingest"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	ai, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "title_report", Value: "clear?"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	price, _ := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "purchase_price", Value: "100"})
	if _, err := h.svc.PromoteClaim(h.ctx, price.ID, "cora", "ok"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	req := EvaluateRequest{DealID: deal.ID, Action: "ATTEST_CLOSING_READINESS", Authority: counsel}
	if v := h.svc.Evaluate(h.ctx, req); !v.Allowed() {
		t.Fatalf("expected ALLOWED with DOC title report, got %+v", v.Reasons)
	}

	req.EvidenceRefs = []string{ai.ID}
	v := h.svc.Evaluate(h.ctx, req)
	reason, ok := v.Reason(types.ReasonInsufficientTruth)
	if !ok || reason.ActualTier != types.TierAI || reason.RequiredTier != types.TierDoc {
		t.Fatalf("expected INSUFFICIENT_TRUTH AI<DOC when citing %s, got %+v", ai.ID, v.Reasons)
	}

	req.EvidenceRefs = []string{doc.ID}
	if v := h.svc.Evaluate(h.ctx, req); !v.Allowed() {
		t.Fatalf("expected ALLOWED citing DOC claim, got %+v", v.Reasons)
	}
}

func TestExtractionContextRedacts(t *testing.T) {
	h := newHarness(t)
	deal := h.createDeal(t)
	claims := []ClaimRequest{
		{DealID: deal.ID, Field: "seller_tax_id", Value: "12-3456789"},
		{DealID: deal.ID, Field: "contact_email", Value: "jane@seller.com"},
		{DealID: deal.ID, Field: "purchase_price", Value: "12500000"},
		{DealID: deal.ID, Field: "notes", Value: "escrow acct 4111 1111 1111 1111"},
	}
	for _, c := range claims {
		if _, err := h.svc.CreateClaim(h.ctx, c); err != nil {
			t.Fatalf("create %s: %v", c.Field, err)
		}
	}
	if _, err := h.svc.IngestDocumentClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "purchase_price", Value: "12400000", SourceDocument: "doc://psa.pdf", ActorID: "ingest"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	ec, err := h.svc.ExtractionContext(h.ctx, deal.ID)
	if err != nil {
		t.Fatalf("extraction context: %v", err)
	}
	if ec.Fields["seller_tax_id"] != redact.Redacted {
		t.Fatalf("tax id leaked: %q", ec.Fields["seller_tax_id"])
	}
	if ec.Fields["contact_email"] != "j***@seller.com" {
		t.Fatalf("email not masked: %q", ec.Fields["contact_email"])
	}
	if ec.Fields["notes"] != "escrow acct "+redact.Redacted {
		t.Fatalf("card number leaked: %q", ec.Fields["notes"])
	}
	if ec.Fields["purchase_price"] != "12400000" || ec.Tiers["purchase_price"] != types.TierDoc {
		t.Fatalf("expected strongest price claim, got %q (%s)", ec.Fields["purchase_price"], ec.Tiers["purchase_price"])
	}
}

func TestIngestDocumentRequiresIngestRole(t *testing.T) {
	h := newHarness(t)
	deal := h.driveTo(t, types.StateApproved)
	req := ClaimRequest{DealID: deal.ID, Field: "title_report", Value: "clear", SourceDocument: "doc://made-up.pdf"}

	for _, actorID := range []string{"mallory", "cora"} {
		req.ActorID = actorID
		if _, err := h.svc.IngestDocumentClaim(h.ctx, req); !errors.Is(err, ErrUnauthorizedActor) {
			t.Fatalf("%s: expected ErrUnauthorizedActor, got %v", actorID, err)
		}
	}
	req.ActorID = ""
	if _, err := h.svc.IngestDocumentClaim(h.ctx, req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest without actor, got %v", err)
	}

	claims, err := h.svc.ListClaims(h.ctx, deal.ID)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("expected no claims recorded, got %d", len(claims))
	}
	events, _ := h.svc.ListEvents(h.ctx, deal.ID)
	if countType(events, types.EventMaterialIngested) != 0 {
		t.Fatalf("expected no MaterialIngested events")
	}
}

func TestIngestRoleIsConfigurable(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.IngestRole = "title_agent" })
	deal := h.createDeal(t)
	if _, err := h.svc.RegisterActor(h.ctx, types.Actor{ID: "tia", Roles: []string{"title_agent"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ClaimRequest{DealID: deal.ID, Field: "title_report", Value: "clear", SourceDocument: "doc://title.pdf", ActorID: "ingest"}
	if _, err := h.svc.IngestDocumentClaim(h.ctx, req); !errors.Is(err, ErrUnauthorizedActor) {
		t.Fatalf("expected default role to be refused, got %v", err)
	}
	req.ActorID = "tia"
	if _, err := h.svc.IngestDocumentClaim(h.ctx, req); err != nil {
		t.Fatalf("ingest as title_agent: %v", err)
	}
}

func TestPromoteClaimRequiresRegisteredActor(t *testing.T) {
	h := newHarness(t)
	deal := h.createDeal(t)
	c, err := h.svc.CreateClaim(h.ctx, ClaimRequest{DealID: deal.ID, Field: "purchase_price", Value: "100", ActorID: "extractor"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = h.svc.PromoteClaim(h.ctx, c.ID, "nobody-at-all", "trust me")
	var unauthorized *UnauthorizedActorError
	if !errors.As(err, &unauthorized) || unauthorized.ActorID != "nobody-at-all" {
		t.Fatalf("expected UnauthorizedActorError, got %v", err)
	}
	if _, err := h.svc.PromoteClaim(h.ctx, c.ID, "", "blank"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	stored, err := h.svc.GetClaim(h.ctx, c.ID)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if stored.Tier != types.TierAI || stored.PromotedBy != nil {
		t.Fatalf("claim must stay AI, got %+v", stored)
	}
}
