package tool

import (
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		leak    string
		keepsIn string
	}{
		{in: "Authorization: Bearer eyJhbGciOi.abc.def", leak: "eyJhbGciOi", keepsIn: "Bearer [REDACTED]"},
		{in: "api_key=supersecretvalue", leak: "supersecretvalue", keepsIn: "api_key=[REDACTED]"},
		{in: "password: hunter2", leak: "hunter2", keepsIn: "password:[REDACTED]"},
		{in: "use sk-abcdefghijklmnopqrstuv now", leak: "sk-abcdefghijklmnopqrstuv", keepsIn: "use [REDACTED] now"},
		{in: "https://bucket.s3.amazonaws.com/a.png?X-Amz-Signature=deadbeef&w=1", leak: "deadbeef", keepsIn: "w=1"},
		{in: "https://user:pw@host.example/x", leak: "pw@", keepsIn: "https://host.example/x"},
	}
	for _, tc := range cases {
		out := RedactSecrets(tc.in)
		if strings.Contains(out, tc.leak) {
			t.Fatalf("RedactSecrets(%q) leaked %q: %q", tc.in, tc.leak, out)
		}
		if !strings.Contains(out, tc.keepsIn) {
			t.Fatalf("RedactSecrets(%q) = %q, want it to contain %q", tc.in, out, tc.keepsIn)
		}
	}
	if got := RedactSecrets("x = 2y + 3"); got != "x = 2y + 3" {
		t.Fatalf("plain math rewritten: %q", got)
	}
}

func TestSanitizeNested(t *testing.T) {
	t.Parallel()
	s := NewSanitizer(10, nil)
	out, rep, err := s.Sanitize(map[string]any{
		"questions": []any{
			map[string]any{"prompt": "call 555-123-4567 please"},
		},
		"n": 3,
	})
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if !rep.PII {
		t.Fatalf("phone number not flagged")
	}
	if len(rep.Truncated) != 1 || rep.Truncated[0] != "questions[0].prompt" {
		t.Fatalf("truncated paths: %v", rep.Truncated)
	}
	q := out["questions"].([]any)[0].(map[string]any)
	if q["prompt"] != "call 555-1" {
		t.Fatalf("prompt: %q", q["prompt"])
	}
	if out["n"] != float64(3) {
		t.Fatalf("numbers should survive: %v", out["n"])
	}
}
