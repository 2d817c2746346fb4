package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"chronoai/internal/audio"
	"chronoai/internal/logger"
)

const (
	httpCallTimeout = 12 * time.Second
	pollInterval    = 1500 * time.Millisecond
)

// HTTPSpeechClient implements SpeechClient against a transcription service
// with a publish/poll contract:
//
//	POST {endpoint}/transcribe         audio/wav body -> {media_id}
//	GET  {endpoint}/status?media_id=.. -> {status, segments:[{text,confidence}]}
//
// Status is one of queued, processing, done, failed.
type HTTPSpeechClient struct {
	Endpoint string
	APIKey   string
	Language string

	httpClient *http.Client
	log        *logrus.Entry
}

func NewHTTPSpeechClient(endpoint, apiKey, language string) *HTTPSpeechClient {
	return &HTTPSpeechClient{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Language:   language,
		httpClient: &http.Client{Timeout: httpCallTimeout},
		log:        logger.New().WithField("module", "stt-client"),
	}
}

type publishResponse struct {
	MediaID string `json:"media_id"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Segments []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"segments"`
}

// Stream publishes the buffer, then polls until the remote session
// finishes and emits every recognized segment on the returned channel.
func (c *HTTPSpeechClient) Stream(ctx context.Context, n *audio.Normalized) (<-chan RecognizedSegment, error) {
	mediaID, err := c.publish(ctx, n)
	if err != nil {
		return nil, err
	}

	out := make(chan RecognizedSegment)
	go func() {
		defer close(out)
		status, err := c.pollUntilDone(ctx, mediaID)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"media_id": mediaID,
				"error":    err.Error(),
			}).Warn("recognition polling failed")
			return
		}
		for _, seg := range status.Segments {
			select {
			case out <- RecognizedSegment{Text: seg.Text, Confidence: seg.Confidence}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *HTTPSpeechClient) publish(ctx context.Context, n *audio.Normalized) (string, error) {
	endpoint := fmt.Sprintf("%s/transcribe?language=%s", c.Endpoint, url.QueryEscape(c.Language))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(n.WAV))
	if err != nil {
		return "", fmt.Errorf("stt: build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	var resp publishResponse
	if err := c.doJSON(ctx, req, &resp); err != nil {
		return "", fmt.Errorf("stt: publish audio: %w", err)
	}
	if resp.MediaID == "" {
		return "", fmt.Errorf("stt: publish returned no media id")
	}
	return resp.MediaID, nil
}

func (c *HTTPSpeechClient) pollUntilDone(ctx context.Context, mediaID string) (*statusResponse, error) {
	endpoint := fmt.Sprintf("%s/status?media_id=%s", c.Endpoint, url.QueryEscape(mediaID))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)

		var status statusResponse
		if err := c.doJSON(ctx, req, &status); err != nil {
			c.log.WithField("error", err.Error()).Warn("status poll failed, retrying")
			continue
		}

		switch status.Status {
		case "done":
			return &status, nil
		case "failed":
			return nil, fmt.Errorf("stt: recognition failed: %s", status.Reason)
		default:
			// queued / processing
		}
	}
}

// doJSON performs the request with retry on server errors and decodes the
// JSON body into target. Request bodies are rewound between attempts via
// GetBody, which net/http populates for in-memory readers.
func (c *HTTPSpeechClient) doJSON(ctx context.Context, req *http.Request, target interface{}) error {
	operation := func() error {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			attempt.Body = body
		}
		resp, err := c.httpClient.Do(attempt)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, firstBytes(body, 200))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("request rejected %d: %s", resp.StatusCode, firstBytes(body, 200)))
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = httpCallTimeout
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
