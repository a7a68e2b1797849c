package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

const lowConfidence = 0.5

// Capabilities lists what the client serves.
func Capabilities() []string {
	return []string{
		constants.CapExtractText,
		constants.CapIsolateDiagram,
		constants.CapVerifyAnswer,
		constants.CapVerifyAnswerLite,
		constants.CapDraftNarrative,
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke implements tool.Provider over chat/completions with JSON-object responses.
func (c *Client) Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (tool.Result, error) {
	rid := uuid.New().String()
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	model := c.cfg.Model
	if capability == constants.CapVerifyAnswerLite {
		model = c.cfg.LiteModel
	}
	user, err := c.userContent(capability, args)
	if err != nil {
		c.logger.Warn("llm.invoke.bad_input", "req_id", rid, "capability", capability, "error", err)
		return tool.Result{}, &tool.Error{Code: constants.ErrCodeProvider, Message: err.Error()}
	}
	body := map[string]any{
		"model":           model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt(capability)},
			{"role": "user", "content": user},
		},
	}

	c.logger.Info("llm.invoke.start", "req_id", rid, "capability", capability, "model", model)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.logger.Error("llm.invoke.http_error", "req_id", rid, "capability", capability, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return tool.Result{}, err
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return tool.Result{}, malformed("decode response: %v", err)
	}
	cost := c.units(cc.Usage.TotalTokens)
	if len(cc.Choices) == 0 {
		return tool.Result{}, malformed("no choices in response")
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if content == "" {
		return tool.Empty(cost, "model returned no content"), nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return tool.Result{}, malformed("decode content: %v", err)
	}
	dropped := normalizeOptional(payload)

	res := c.classify(capability, payload, cost)
	if cc.Choices[0].FinishReason == "length" {
		res = degrade(res, "response truncated at the token limit")
	}
	if len(dropped) > 0 {
		c.logger.Warn("llm.invoke.lenient_applied", "req_id", rid, "capability", capability, "dropped", dropped)
	}
	c.logger.Info("llm.invoke.ok",
		"req_id", rid,
		"capability", capability,
		"status", string(res.Status),
		"tokens", cc.Usage.TotalTokens,
		"cost_units", cost,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (c *Client) userContent(capability string, args map[string]any) (any, error) {
	switch capability {
	case constants.CapExtractText, constants.CapIsolateDiagram:
		ref, _ := args["image_ref"].(string)
		u, err := c.imageURL(ref)
		if err != nil {
			return nil, err
		}
		text := "Transcribe this homework page."
		if capability == constants.CapIsolateDiagram {
			text = diagramPrompt(args)
		}
		return []map[string]any{
			{"type": "text", "text": text},
			{"type": "image_url", "image_url": map[string]any{"url": u}},
		}, nil
	case constants.CapVerifyAnswer, constants.CapVerifyAnswerLite:
		return verifyPrompt(args), nil
	case constants.CapDraftNarrative:
		return narrativePrompt(args), nil
	}
	return nil, fmt.Errorf("capability %s is not served by this client", capability)
}

// classify maps a decoded payload onto a result status.
func (c *Client) classify(capability string, payload map[string]any, cost int64) tool.Result {
	conf, hasConf := payload["confidence"].(float64)
	switch capability {
	case constants.CapIsolateDiagram:
		if b, _ := payload["unavailable"].(bool); b {
			r := tool.Failed(constants.ErrCodeDiagramUnavailable, "no figure for the requested questions", false)
			r.CostUnits = cost
			return r
		}
		if d, _ := payload["description"].(string); strings.TrimSpace(d) == "" {
			return tool.Empty(cost, "figure description was empty")
		}
	case constants.CapExtractText:
		if t, _ := payload["text"].(string); strings.TrimSpace(t) == "" {
			return tool.Empty(cost, "no text on the page")
		}
	}
	res := tool.OK(payload, cost)
	if hasConf && conf < lowConfidence && capability != constants.CapVerifyAnswer && capability != constants.CapVerifyAnswerLite {
		res = degrade(res, fmt.Sprintf("low model confidence %.2f", conf))
	}
	return res
}

func degrade(res tool.Result, warning string) tool.Result {
	if !res.Usable() {
		return res
	}
	res.Status = constants.ToolStatusDegraded
	res.Warnings = append(res.Warnings, warning)
	return res
}

func (c *Client) units(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	return (tokens + c.cfg.TokensPerUnit - 1) / c.cfg.TokensPerUnit
}

func malformed(format string, args ...any) error {
	return &tool.Error{Code: constants.ErrCodeMalformedResponse, Message: fmt.Sprintf(format, args...)}
}

// post sends the request; throttling and server errors are reported as tool.ErrUnavailable
// so the contract marks them retryable.
func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("%w: %v", tool.ErrUnavailable, err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Warn("llm.http.response_body_close_error", "error", err)
		}
	}(resp.Body)

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", tool.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &tool.Error{
			Code:    constants.ErrCodeProvider,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, tool.RedactSecrets(truncate(buf.String(), 512))),
		}
	}
	return buf.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
