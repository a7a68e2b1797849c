package tool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const redacted = "[REDACTED]"

var (
	reBearer    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	reSecretKV  = regexp.MustCompile(`(?i)\b(api[_-]?key|secret|client[_-]?secret|password|passwd|access[_-]?token|token)\s*([:=])\s*["']?[^\s"'&,;]+`)
	reAPIKey    = regexp.MustCompile(`\b(sk|rk|pk)-[A-Za-z0-9_\-]{16,}`)
	reAWSKey    = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	reURL       = regexp.MustCompile(`https?://[^\s"'<>]+`)
	reEmail     = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePhone     = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`)
	secretQuery = map[string]struct{}{
		"token": {}, "access_token": {}, "id_token": {}, "api_key": {}, "apikey": {}, "key": {},
		"sig": {}, "signature": {}, "password": {}, "secret": {}, "auth": {},
		"x-amz-signature": {}, "x-amz-credential": {}, "x-amz-security-token": {},
	}
)

// Sanitizer scrubs capability payloads before they reach the engine.
type Sanitizer struct {
	MaxTextRunes int
	logger       *slog.Logger
}

// SanitizeReport describes what Sanitize changed.
type SanitizeReport struct {
	Redacted  int
	Truncated []string
	PII       bool
}

func NewSanitizer(maxTextRunes int, logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTextRunes <= 0 {
		maxTextRunes = 8000
	}
	return &Sanitizer{MaxTextRunes: maxTextRunes, logger: logger}
}

// Sanitize returns a scrubbed deep copy of payload.
// Credentials and tokenised URL queries are redacted, long strings truncated, and PII flagged.
func (s *Sanitizer) Sanitize(payload map[string]any) (map[string]any, SanitizeReport, error) {
	var rep SanitizeReport
	if payload == nil {
		return nil, rep, nil
	}
	// normalize to decoded JSON types so the walk sees a closed set of kinds
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, rep, fmt.Errorf("sanitize: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, rep, fmt.Errorf("sanitize: decode: %w", err)
	}

	out, _ := s.walk("", m, &rep).(map[string]any)
	if rep.Redacted > 0 || len(rep.Truncated) > 0 {
		s.logger.Warn("tool.sanitize", "redacted", rep.Redacted, "truncated", rep.Truncated, "pii", rep.PII)
	}
	return out, rep, nil
}

func (s *Sanitizer) walk(path string, v any, rep *SanitizeReport) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = s.walk(joinPath(path, k), child, rep)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = s.walk(fmt.Sprintf("%s[%d]", path, i), child, rep)
		}
		return t
	case string:
		return s.scrubString(path, t, rep)
	default:
		return v
	}
}

func (s *Sanitizer) scrubString(path, in string, rep *SanitizeReport) string {
	out := RedactSecrets(in)
	if out != in {
		rep.Redacted++
	}
	if reEmail.MatchString(out) || rePhone.MatchString(out) {
		rep.PII = true
	}
	if utf8.RuneCountInString(out) > s.MaxTextRunes {
		out = string([]rune(out)[:s.MaxTextRunes])
		rep.Truncated = append(rep.Truncated, path)
	}
	return out
}

// RedactSecrets masks bearer tokens, key=value credentials, API keys and
// credential-bearing URL parts.
func RedactSecrets(in string) string {
	out := reURL.ReplaceAllStringFunc(in, redactURL)
	out = reBearer.ReplaceAllString(out, "Bearer "+redacted)
	out = reSecretKV.ReplaceAllString(out, "${1}${2}"+redacted)
	out = reAPIKey.ReplaceAllString(out, redacted)
	out = reAWSKey.ReplaceAllString(out, redacted)
	return out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	changed := false
	if u.User != nil {
		u.User = nil
		changed = true
	}
	if u.RawQuery != "" {
		parts := strings.Split(u.RawQuery, "&")
		for i, p := range parts {
			k, _, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			if _, secret := secretQuery[strings.ToLower(k)]; secret {
				parts[i] = k + "=" + redacted
				changed = true
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}
	if !changed {
		return raw
	}
	return u.String()
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
