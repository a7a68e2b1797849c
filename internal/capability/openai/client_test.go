package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

type captured struct {
	mu   sync.Mutex
	body map[string]any
	auth string
}

func (c *captured) model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, _ := c.body["model"].(string)
	return m
}

func chatServer(t *testing.T, status int, content string, tokens int, rec *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		if rec != nil {
			rec.mu.Lock()
			_ = json.Unmarshal(raw, &rec.body)
			rec.auth = r.Header.Get("Authorization")
			rec.mu.Unlock()
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			return
		}
		resp := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}, "finish_reason": "stop"}},
			"usage":   map[string]any{"total_tokens": tokens},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string) *Client {
	return NewClient(Config{APIKey: "sk-test", BaseURL: url, Model: "big", LiteModel: "small", TokensPerUnit: 100}, nil)
}

func TestVerifyAnswerIsNormalized(t *testing.T) {
	t.Parallel()
	var got captured
	srv := chatServer(t, http.StatusOK, `{"verdict":"Correct","confidence":"90%","explanation":"4 is right"}`, 250, &got)
	c := newTestClient(srv.URL)

	res, err := c.Invoke(context.Background(), constants.CapVerifyAnswerLite, map[string]any{
		"question": "1", "prompt": "2+2", "student_answer": "4",
	}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != constants.ToolStatusOK || res.String("verdict") != "correct" {
		t.Fatalf("result: %+v", res)
	}
	if conf, ok := res.Float("confidence"); !ok || conf != 0.9 {
		t.Fatalf("confidence: %v %v", conf, ok)
	}
	if res.CostUnits != 3 {
		t.Fatalf("cost units: %d", res.CostUnits)
	}
	if got.model() != "small" || got.auth != "Bearer sk-test" {
		t.Fatalf("request: model=%s auth=%s", got.model(), got.auth)
	}
}

func TestExtractAttachesLocalImage(t *testing.T) {
	t.Parallel()
	var got captured
	srv := chatServer(t, http.StatusOK, `{"text":"1) 2+2 = 4","questions":[{"number":1,"prompt":"2+2","answer":"4"}],"confidence":0.3}`, 900, &got)
	c := newTestClient(srv.URL)

	img := filepath.Join(t.TempDir(), "page.png")
	if err := os.WriteFile(img, []byte("\x89PNG fake"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	res, err := c.Invoke(context.Background(), constants.CapExtractText, map[string]any{"image_ref": img}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Status != constants.ToolStatusDegraded || len(res.Warnings) == 0 {
		t.Fatalf("low confidence extraction should be degraded: %+v", res)
	}
	qs, _ := res.Payload["questions"].([]any)
	if len(qs) != 1 || qs[0].(map[string]any)["number"] != "1" {
		t.Fatalf("questions: %+v", res.Payload["questions"])
	}

	got.mu.Lock()
	raw, _ := json.Marshal(got.body)
	got.mu.Unlock()
	if !strings.Contains(string(raw), "data:image/png;base64,") {
		t.Fatalf("image not attached as data URL")
	}
	if got.model() != "big" {
		t.Fatalf("model: %s", got.model())
	}
}

func TestDiagramUnavailable(t *testing.T) {
	t.Parallel()
	srv := chatServer(t, http.StatusOK, `{"description":"","unavailable":"true"}`, 100, nil)
	c := newTestClient(srv.URL)

	res, err := c.Invoke(context.Background(), constants.CapIsolateDiagram, map[string]any{
		"image_ref": "https://example.com/page.jpg", "questions": []any{"2"},
	}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ErrorCode() != constants.ErrCodeDiagramUnavailable || res.CostUnits != 1 {
		t.Fatalf("result: %+v", res)
	}
}

func TestHTTPFailuresAreClassified(t *testing.T) {
	t.Parallel()
	args := map[string]any{"question": "1", "student_answer": "4"}

	throttled := newTestClient(chatServer(t, http.StatusTooManyRequests, "", 0, nil).URL)
	_, err := throttled.Invoke(context.Background(), constants.CapVerifyAnswer, args, time.Second)
	if !errors.Is(err, tool.ErrUnavailable) {
		t.Fatalf("429: %v", err)
	}

	rejected := newTestClient(chatServer(t, http.StatusBadRequest, "", 0, nil).URL)
	_, err = rejected.Invoke(context.Background(), constants.CapVerifyAnswer, args, time.Second)
	var terr *tool.Error
	if !errors.As(err, &terr) || terr.Code != constants.ErrCodeProvider {
		t.Fatalf("400: %v", err)
	}

	garbled := newTestClient(chatServer(t, http.StatusOK, "not json", 10, nil).URL)
	_, err = garbled.Invoke(context.Background(), constants.CapVerifyAnswer, args, time.Second)
	if !errors.As(err, &terr) || terr.Code != constants.ErrCodeMalformedResponse {
		t.Fatalf("garbled: %v", err)
	}
}

func TestThrottlingIsRetryableThroughContract(t *testing.T) {
	t.Parallel()
	srv := chatServer(t, http.StatusServiceUnavailable, "", 0, nil)
	reg := tool.MustDefaultRegistry(time.Second)
	contract := tool.NewContract(reg, newTestClient(srv.URL), tool.NewSanitizer(0, nil), nil)

	res := contract.Invoke(context.Background(), tool.Call{Capability: constants.CapVerifyAnswer, Args: map[string]any{
		"question": "1", "student_answer": "4",
	}})
	if res.ErrorCode() != constants.ErrCodeUnavailable || !res.Err.Retryable {
		t.Fatalf("result: %+v", res)
	}
}
