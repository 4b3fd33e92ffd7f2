package crypto

import (
	"encoding/json"
	"math"
	"testing"
)

func TestCanonicalizeOrdersAndStripsNulls(t *testing.T) {
	input := map[string]any{
		"b": "value",
		"a": 1,
		"c": nil,
		"d": map[string]any{
			"z": nil,
			"y": true,
		},
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := `{"a":1,"b":"value","d":{"y":true}}`
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeFloats(t *testing.T) {
	got, err := Canonicalize(map[string]any{"price": 1.25, "units": 3.0})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `{"price":1.25,"units":3}` {
		t.Fatalf("unexpected canonical json: %s", got)
	}

	if _, err := Canonicalize(math.NaN()); err != ErrInvalidNumber {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
	if _, err := Canonicalize(math.Inf(1)); err != ErrInvalidNumber {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
}

func TestCanonicalizeJSONNumberMatchesNative(t *testing.T) {
	cases := map[json.Number]any{
		"42":    42,
		"1.25":  1.25,
		"3.0":   3.0,
		"1e+21": 1e21,
	}
	for num, native := range cases {
		fromNumber, err := Canonicalize(num)
		if err != nil {
			t.Fatalf("canonicalize %s: %v", num, err)
		}
		fromNative, err := Canonicalize(native)
		if err != nil {
			t.Fatalf("canonicalize native %v: %v", native, err)
		}
		if string(fromNumber) != string(fromNative) {
			t.Fatalf("number %s canonicalized as %s, native as %s", num, fromNumber, fromNative)
		}
	}

	if _, err := Canonicalize(json.Number("abc")); err != ErrInvalidNumber {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	in := map[string]any{
		"reason": "e\u0301",
		"amount": 1250000,
		"ratio":  0.35,
		"tags":   []any{"a", "b"},
		"empty":  nil,
	}
	normalized, canonical, err := Normalize(in)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	again, err := Canonicalize(normalized)
	if err != nil {
		t.Fatalf("canonicalize normalized: %v", err)
	}
	if string(again) != string(canonical) {
		t.Fatalf("normalize not stable:\n%s\n%s", canonical, again)
	}
	if _, ok := normalized["empty"]; ok {
		t.Fatalf("expected null member to be dropped")
	}

	empty, canonicalEmpty, err := Normalize(nil)
	if err != nil {
		t.Fatalf("normalize nil: %v", err)
	}
	if len(empty) != 0 || string(canonicalEmpty) != "{}" {
		t.Fatalf("unexpected nil normalization: %v %s", empty, canonicalEmpty)
	}
}

func TestCanonicalizeNormalizesNFC(t *testing.T) {
	input := map[string]any{
		"text": "e\u0301",
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	want := "{\"text\":\"\u00e9\"}"
	if string(got) != want {
		t.Fatalf("unexpected canonical json:\n%s\nwant:\n%s", got, want)
	}
}

func TestCanonicalizeMapKeyCollision(t *testing.T) {
	input := map[string]any{
		"e\u0301": 1,
		"\u00e9":  2,
	}

	_, err := Canonicalize(input)
	if err != ErrKeyCollision {
		t.Fatalf("expected ErrKeyCollision, got %v", err)
	}
}

func TestCanonicalizeNonStringMapKey(t *testing.T) {
	input := map[int]any{1: "a"}
	_, err := Canonicalize(input)
	if err != ErrNonStringMapKey {
		t.Fatalf("expected ErrNonStringMapKey, got %v", err)
	}
}

func TestCanonicalizeUnsupportedType(t *testing.T) {
	type payload struct{ A int }

	_, err := Canonicalize(payload{A: 1})
	if err != ErrUnsupportedType {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestCanonicalizeSlices(t *testing.T) {
	input := []any{1, nil, "a"}
	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	if string(got) != `[1,null,"a"]` {
		t.Fatalf("unexpected canonical json: %s", got)
	}

	var nilSlice []any
	got, err = Canonicalize(nilSlice)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	if string(got) != "null" {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}
