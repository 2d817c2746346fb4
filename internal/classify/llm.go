package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
)

const (
	llmTemperature = 0.3
	llmMaxTokens   = 300
	llmCallTimeout = 12 * time.Second
	llmMaxElapsed  = 20 * time.Second
)

// GatewayClient talks to an OpenAI-style chat completions endpoint.
// Server errors are retried with exponential backoff; 4xx responses are
// returned immediately.
type GatewayClient struct {
	Endpoint   string
	APIKey     string
	Deployment string

	httpClient *http.Client
	log        *logrus.Entry
}

func NewGatewayClient(endpoint, apiKey, deployment string) *GatewayClient {
	return &GatewayClient{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Deployment: deployment,
		httpClient: &http.Client{Timeout: llmCallTimeout},
		log:        logger.New().WithField("module", "llm"),
	}
}

// Message is one turn sent to the chat completions endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the system instruction plus user utterance and returns
// the raw assistant message content.
func (c *GatewayClient) Complete(ctx context.Context, system, user string) (string, error) {
	messages := []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
	return c.CompleteMessages(ctx, messages, llmTemperature, llmMaxTokens)
}

// CompleteMessages sends a full conversation and returns the assistant
// message content. Used by the chat assistant, which carries history.
func (c *GatewayClient) CompleteMessages(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	reqBody := map[string]interface{}{
		"model":       c.Deployment,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	var content string
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, llmCallTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("llm: server error %d: %s", resp.StatusCode, truncateRunes(string(body), 200))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("llm: request rejected %d: %s", resp.StatusCode, truncateRunes(string(body), 200)))
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("llm: decode response: %w", err))
		}
		if len(parsed.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("llm: empty choices in response"))
		}
		content = parsed.Choices[0].Message.Content
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = llmMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		c.log.WithField("error", err.Error()).Warn("chat completion failed")
		return "", err
	}
	return content, nil
}
