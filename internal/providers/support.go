package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"aiorch/config"
	"aiorch/internal/core"
)

// messageOverheadTokens approximates the role and framing tokens each message costs
const messageOverheadTokens = 4

// EstimateTokens approximates the prompt size of req at four runes per token
// plus a fixed per-message overhead.
func EstimateTokens(req *core.CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += (utf8.RuneCountInString(m.Content)+3)/4 + messageOverheadTokens
	}
	return total
}

// ResolveCapabilities applies the configured max_tokens ceiling on top of an adapter's defaults
func ResolveCapabilities(defaults core.Capabilities, cfg config.ProviderConfig) core.Capabilities {
	caps := defaults
	if cfg.MaxTokens > 0 {
		caps.MaxTokens = cfg.MaxTokens
	}
	return caps
}

// PrepareRequest returns a copy of req with configuration defaults applied and
// max_tokens clamped to the capability ceiling. defaultModel is used when neither
// the request nor the configuration names one; defaultMaxTokens (0 = omit) when
// the request sets no budget.
func PrepareRequest(req *core.CompletionRequest, cfg config.ProviderConfig, caps core.Capabilities, defaultModel string, defaultMaxTokens int) *core.CompletionRequest {
	out := req.Clone()
	if out.Model == "" {
		out.Model = cfg.DefaultModel
	}
	if out.Model == "" {
		out.Model = defaultModel
	}
	if out.Temperature == nil && cfg.Temperature != nil {
		t := *cfg.Temperature
		out.Temperature = &t
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}
	out.MaxTokens = caps.ClampMaxTokens(out.MaxTokens)
	return out
}

// NewResponseID synthesizes an ID for vendors that do not return one
func NewResponseID() string {
	return "cmpl-" + uuid.NewString()
}

// ProbeRequest is the cheapest completion that proves a credential works
func ProbeRequest() *core.CompletionRequest {
	return &core.CompletionRequest{
		Messages:  []core.Message{{Role: core.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
}

// ValidateWithProbe checks a credential by running a one-token completion
func ValidateWithProbe(ctx context.Context, p core.Provider) error {
	_, err := p.Complete(ctx, ProbeRequest())
	return err
}

// chunk is the OpenAI chat.completion.chunk shape every stream is normalised to
type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

// FormatChunk renders one OpenAI-style SSE data line. An empty finishReason marks
// a content delta; a non-empty one marks the final chunk.
func FormatChunk(id, model, content, finishReason string) []byte {
	c := chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Index: 0, Delta: map[string]string{}}},
	}
	if content != "" {
		c.Choices[0].Delta["content"] = content
	}
	if finishReason != "" {
		c.Choices[0].FinishReason = &finishReason
	}
	data, _ := json.Marshal(c)
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

// StreamDone is the terminal SSE line
var StreamDone = []byte("data: [DONE]\n\n")

// EventConverter translates one vendor SSE data payload into zero or more
// OpenAI-style SSE bytes. Returning nil skips the event.
type EventConverter func(data []byte) []byte

// sseConverter wraps a vendor SSE stream and re-emits it in OpenAI format
type sseConverter struct {
	reader  *bufio.Reader
	body    io.ReadCloser
	convert EventConverter
	buffer  []byte
	done    bool
	closed  bool
}

// NewSSEConverter returns a reader that feeds every `data:` line of body through
// convert and terminates the output with StreamDone.
func NewSSEConverter(body io.ReadCloser, convert EventConverter) io.ReadCloser {
	return &sseConverter{
		reader:  bufio.NewReader(body),
		body:    body,
		convert: convert,
		buffer:  make([]byte, 0, 1024),
	}
}

func (sc *sseConverter) Read(p []byte) (int, error) {
	for len(sc.buffer) == 0 {
		if sc.done || sc.closed {
			return 0, io.EOF
		}
		if err := sc.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, sc.buffer)
	sc.buffer = sc.buffer[n:]
	return n, nil
}

// fill reads vendor lines until at least one converted chunk is buffered or the stream ends
func (sc *sseConverter) fill() error {
	line, err := sc.reader.ReadBytes('\n')
	if len(line) > 0 {
		line = bytes.TrimSpace(line)
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, []byte("[DONE]")) {
				sc.finish()
				return nil
			}
			if out := sc.convert(data); len(out) > 0 {
				sc.buffer = append(sc.buffer, out...)
			}
		}
	}
	if err == io.EOF {
		sc.finish()
		return nil
	}
	return err
}

func (sc *sseConverter) finish() {
	if sc.done {
		return
	}
	sc.buffer = append(sc.buffer, StreamDone...)
	sc.done = true
	_ = sc.body.Close()
}

func (sc *sseConverter) Close() error {
	if sc.closed {
		return nil
	}
	sc.closed = true
	if sc.done {
		return nil
	}
	return sc.body.Close()
}
