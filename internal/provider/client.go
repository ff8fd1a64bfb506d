package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/wire"
)

// Client streams model output over the provider's binary event-stream wire
// format. Only the Stream method matters to callers; the orchestrator takes
// it as a StreamFunc so tests can substitute fakes.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) (*Client, error) {
	apiKey := os.Getenv("MODEL_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing MODEL_API_KEY")
	}

	baseURL := os.Getenv("MODEL_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.model-gateway.dev"
	}

	timeoutSec := 180
	if v := os.Getenv("MODEL_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &Client{
		log:        log.With("service", "ProviderClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type invokeRequest struct {
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Stream implements StreamFunc over HTTP. The response body is consumed
// incrementally through the wire parser; onText fires once per text delta
// before Stream returns.
func (c *Client) Stream(ctx context.Context, modelID string, history []Message, onText OnText, opts Options) (*Result, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := invokeRequest{
		Messages:  history,
		System:    opts.SystemPrompt,
		Tools:     opts.Tools,
		MaxTokens: maxTokens,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/models/%s/invoke-stream", c.baseURL, modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return c.consume(resp.Body, onText)
}

// consume reads framed events off the body and folds them into a Result.
func (c *Client) consume(body io.Reader, onText OnText) (*Result, error) {
	res := &Result{}
	acc := newBlockAccumulator()

	var pending []byte
	readBuf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(readBuf)
		if n > 0 {
			pending = append(pending, readBuf[:n]...)
			var evs []wire.Event
			evs, pending = wire.Parse(pending)
			for _, ev := range evs {
				c.applyEvent(ev, res, acc, onText)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	res.Text = acc.text.String()
	res.ToolCalls = acc.finish()
	return res, nil
}

func (c *Client) applyEvent(ev wire.Event, res *Result, acc *blockAccumulator, onText OnText) {
	switch ev.Type {
	case wire.EventContentBlockStart:
		acc.startBlock(ev.Payload)
	case wire.EventContentBlockDelta:
		if text, idx, ok := textDelta(ev.Payload); ok {
			acc.text.WriteString(text)
			if onText != nil {
				onText(text, idx)
			}
			return
		}
		acc.appendInputDelta(ev.Payload)
	case wire.EventContentBlockStop:
		acc.stopBlock(ev.Payload)
	case wire.EventMessageStop:
		if sr, ok := ev.Payload["stopReason"].(string); ok {
			res.StopReason = sr
		}
	case wire.EventMetadata:
		if usage, ok := ev.Payload["usage"].(map[string]any); ok {
			u := &Usage{}
			if v, ok := usage["inputTokens"].(float64); ok {
				u.InputTokens = int(v)
			}
			if v, ok := usage["outputTokens"].(float64); ok {
				u.OutputTokens = int(v)
			}
			res.Usage = u
		}
	case wire.EventMessageStart, wire.EventUnknown:
		// no state to fold
	}
}

func textDelta(payload map[string]any) (string, int, bool) {
	delta, ok := payload["delta"].(map[string]any)
	if !ok {
		return "", 0, false
	}
	text, ok := delta["text"].(string)
	if !ok {
		return "", 0, false
	}
	idx := 0
	if v, ok := payload["contentBlockIndex"].(float64); ok {
		idx = int(v)
	}
	return text, idx, true
}

// blockAccumulator collects tool_use blocks: the start event carries id and
// name, deltas carry partial JSON input, stop closes the block out.
type blockAccumulator struct {
	text    strings.Builder
	open    *ToolCall
	partial strings.Builder
	done    []ToolCall
}

func newBlockAccumulator() *blockAccumulator {
	return &blockAccumulator{}
}

func (a *blockAccumulator) startBlock(payload map[string]any) {
	start, ok := payload["start"].(map[string]any)
	if !ok {
		return
	}
	tu, ok := start["toolUse"].(map[string]any)
	if !ok {
		return
	}
	call := &ToolCall{}
	if v, ok := tu["toolUseId"].(string); ok {
		call.ID = v
	}
	if v, ok := tu["name"].(string); ok {
		call.Name = v
	}
	a.open = call
	a.partial.Reset()
}

func (a *blockAccumulator) appendInputDelta(payload map[string]any) {
	if a.open == nil {
		return
	}
	delta, ok := payload["delta"].(map[string]any)
	if !ok {
		return
	}
	if pj, ok := delta["partialJson"].(string); ok {
		a.partial.WriteString(pj)
	}
}

func (a *blockAccumulator) stopBlock(_ map[string]any) {
	if a.open == nil {
		return
	}
	input := map[string]any{}
	if raw := a.partial.String(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &input)
	}
	a.open.Input = input
	a.done = append(a.done, *a.open)
	a.open = nil
	a.partial.Reset()
}

func (a *blockAccumulator) finish() []ToolCall {
	if a.open != nil {
		a.stopBlock(nil)
	}
	return a.done
}
