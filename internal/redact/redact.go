// Package redact strips sensitive values before deal data reaches an AI
// claim generator.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Level is how a field's value is treated.
type Level string

const (
	LevelNone     Level = "NONE"
	LevelMasked   Level = "MASKED"
	LevelRedacted Level = "REDACTED"
)

const Redacted = "[REDACTED]"

var (
	defaultSensitive = []string{
		"ssn",
		"social_security",
		"tax_id",
		"taxpayer_id",
		"ein",
		"tin",
		"bank_account",
		"account_number",
		"routing_number",
		"iban",
		"swift",
		"card_number",
		"password",
		"api_key",
		"secret",
		"token",
		"credential",
		"private_key",
	}
	defaultSemiSensitive = []string{
		"email",
		"phone",
		"mobile",
		"fax",
	}
)

// Redactor classifies field names and scrubs free text. The zero value is
// not usable; build one with New or Default.
type Redactor struct {
	sensitive []string
	semi      []string
	patterns  []*regexp.Regexp
	email     *regexp.Regexp
}

func Default() *Redactor {
	return New(defaultSensitive, defaultSemiSensitive)
}

func New(sensitive, semiSensitive []string) *Redactor {
	return &Redactor{
		sensitive: normalizeAll(sensitive),
		semi:      normalizeAll(semiSensitive),
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                                       // SSN
			regexp.MustCompile(`\b\d{2}-\d{7}\b`),                                             // EIN
			regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`), // IBAN
			regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),                                    // card
		},
		email: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	}
}

// Classify matches field against the sensitive lists. A field matches when
// one of its underscore-separated token runs equals a listed name, so
// "seller_tax_id" is sensitive but "notebook" is not "ein".
func (r *Redactor) Classify(field string) Level {
	name := normalize(field)
	for _, s := range r.sensitive {
		if containsToken(name, s) {
			return LevelRedacted
		}
	}
	for _, s := range r.semi {
		if containsToken(name, s) {
			return LevelMasked
		}
	}
	return LevelNone
}

// Value returns value as it may be shown for field.
func (r *Redactor) Value(field, value string) string {
	switch r.Classify(field) {
	case LevelRedacted:
		return Redacted
	case LevelMasked:
		return r.mask(value)
	default:
		return r.Scrub(value)
	}
}

// Scrub replaces identifier patterns in free text and masks email addresses.
func (r *Redactor) Scrub(text string) string {
	for _, p := range r.patterns {
		text = p.ReplaceAllString(text, Redacted)
	}
	return r.email.ReplaceAllStringFunc(text, maskEmail)
}

// Map returns a redacted deep copy of m. Non-string values under a
// sensitive key are replaced as a whole.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.redactValue(k, v)
	}
	return out
}

func (r *Redactor) redactValue(key string, v any) any {
	level := r.Classify(key)
	if level == LevelRedacted {
		return Redacted
	}
	switch val := v.(type) {
	case string:
		if level == LevelMasked {
			return r.mask(val)
		}
		return r.Scrub(val)
	case map[string]any:
		return r.Map(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(key, item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(key, item)
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) mask(value string) string {
	if r.email.MatchString(value) {
		return r.email.ReplaceAllStringFunc(value, maskEmail)
	}
	digits := onlyDigits(value)
	if len(digits) >= 7 {
		return "***-***-" + digits[len(digits)-4:]
	}
	if len(value) <= 2 {
		return "**"
	}
	return value[:1] + strings.Repeat("*", len(value)-2) + value[len(value)-1:]
}

// Fields lists the sensitive and semi-sensitive names in sorted order.
func (r *Redactor) Fields() (sensitive, semiSensitive []string) {
	sensitive = append([]string(nil), r.sensitive...)
	semiSensitive = append([]string(nil), r.semi...)
	sort.Strings(sensitive)
	sort.Strings(semiSensitive)
	return sensitive, semiSensitive
}

func maskEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return Redacted
	}
	return addr[:1] + "***" + addr[at:]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(s)
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func containsToken(name, token string) bool {
	if name == token {
		return true
	}
	return strings.HasPrefix(name, token+"_") ||
		strings.HasSuffix(name, "_"+token) ||
		strings.Contains(name, "_"+token+"_")
}
