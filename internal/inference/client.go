package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fernwatch/camtrap/internal/config"
	"github.com/fernwatch/camtrap/internal/model"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
)

// Client talks to the inference microservice over HTTP JSON. Inference calls
// are synchronous with respect to message processing; the request timeout is
// the only bound.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.InferenceConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, pkgerrors.Configuration("inference base URL not set", nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type detectResponse struct {
	Detections []DetectionResult `json:"detections"`
}

func (c *Client) Detect(ctx context.Context, imageBytes []byte) ([]DetectionResult, error) {
	var out detectResponse
	if err := c.post(ctx, "/v1/detect", map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(imageBytes),
	}, &out); err != nil {
		return nil, err
	}
	return out.Detections, nil
}

type classifyResponse struct {
	Classifications []ClassificationResult `json:"classifications"`
}

func (c *Client) Classify(ctx context.Context, imageBytes []byte, bbox model.BoundingBox, topN int) ([]ClassificationResult, error) {
	var out classifyResponse
	if err := c.post(ctx, "/v1/classify", map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(imageBytes),
		"bbox":  bbox,
		"top_n": topN,
	}, &out); err != nil {
		return nil, err
	}
	return out.Classifications, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.Transient("inference request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("inference service returned %d: %s", resp.StatusCode, snippet)
		if resp.StatusCode >= 500 {
			return pkgerrors.Transient("inference service error", err)
		}
		return pkgerrors.Permanent("inference rejected request", err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Transient("failed to decode inference response", err)
	}
	return nil
}
