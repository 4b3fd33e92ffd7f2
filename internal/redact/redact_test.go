package redact

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	r := Default()
	tests := []struct {
		field string
		want  Level
	}{
		{"ssn", LevelRedacted},
		{"seller_tax_id", LevelRedacted},
		{"Bank-Account", LevelRedacted},
		{"wire.routing_number", LevelRedacted},
		{"contact_email", LevelMasked},
		{"phone", LevelMasked},
		{"purchase_price", LevelNone},
		{"notebook", LevelNone},
		{"tokenized_address", LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if got := r.Classify(tt.field); got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.field, got, tt.want)
			}
		})
	}
}

func TestValue(t *testing.T) {
	r := Default()
	tests := []struct {
		name  string
		field string
		value string
		want  string
	}{
		{"sensitive field elided", "tax_id", "12-3456789", Redacted},
		{"email masked", "contact_email", "jane.doe@example.com", "j***@example.com"},
		{"phone masked", "phone", "+1 (555) 123-4567", "***-***-4567"},
		{"short semi value", "phone", "12", "**"},
		{"plain field untouched", "purchase_price", "12500000", "12500000"},
		{"ssn in free text", "notes", "seller ssn 123-45-6789 on file", "seller ssn [REDACTED] on file"},
		{"ein in free text", "notes", "EIN 12-3456789", "EIN [REDACTED]"},
		{"card in free text", "notes", "card 4111 1111 1111 1111 used", "card [REDACTED] used"},
		{"iban in free text", "notes", "pay DE89 3704 0044 0532 0130 00 now", "pay [REDACTED] now"},
		{"email in free text", "notes", "ask bob@lender.com", "ask b***@lender.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Value(tt.field, tt.value); got != tt.want {
				t.Fatalf("Value(%q, %q) = %q, want %q", tt.field, tt.value, got, tt.want)
			}
		})
	}
}

func TestMapIsDeepAndDoesNotMutate(t *testing.T) {
	r := Default()
	in := map[string]any{
		"name": "Harbor Point",
		"bank_account": map[string]any{
			"number": "000123456789",
		},
		"contacts": []any{
			map[string]any{"email": "cfo@seller.com", "role": "cfo"},
		},
		"wire": map[string]any{
			"routing_number": 21000021,
			"memo":           "ref 123-45-6789",
		},
	}
	out := r.Map(in)

	if out["name"] != "Harbor Point" {
		t.Fatalf("name changed: %v", out["name"])
	}
	if out["bank_account"] != Redacted {
		t.Fatalf("expected bank_account elided, got %v", out["bank_account"])
	}
	contact := out["contacts"].([]any)[0].(map[string]any)
	if contact["email"] != "c***@seller.com" {
		t.Fatalf("expected masked email, got %v", contact["email"])
	}
	wire := out["wire"].(map[string]any)
	if wire["routing_number"] != Redacted {
		t.Fatalf("expected numeric routing number elided, got %v", wire["routing_number"])
	}
	if strings.Contains(wire["memo"].(string), "6789") {
		t.Fatalf("ssn leaked in memo: %v", wire["memo"])
	}

	if in["bank_account"].(map[string]any)["number"] != "000123456789" {
		t.Fatalf("input mutated")
	}
}

func TestCustomLists(t *testing.T) {
	r := New([]string{"Lender Code"}, nil)
	if got := r.Classify("primary_lender_code"); got != LevelRedacted {
		t.Fatalf("expected custom sensitive field, got %s", got)
	}
	if got := r.Classify("email"); got != LevelNone {
		t.Fatalf("expected email unlisted, got %s", got)
	}
	sensitive, semi := r.Fields()
	if len(sensitive) != 1 || sensitive[0] != "lender_code" || len(semi) != 0 {
		t.Fatalf("unexpected fields: %v %v", sensitive, semi)
	}
}
