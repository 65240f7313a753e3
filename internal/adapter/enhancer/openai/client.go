// Package openai implements the enhancement provider port against the OpenAI
// image-edit API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/config"
	"github.com/lusterai/enhance/internal/domain"
)

// Client implements domain.Enhancer using the images/edits endpoint.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a provider client. The HTTP client carries no timeout of its
// own; each call is bounded by the per-call deadline the worker sets.
func New(cfg config.Config) *Client {
	return &Client{cfg: cfg, hc: &http.Client{}}
}

func (c *Client) getBackoffConfig(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetProviderBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return backoff.WithContext(expo, ctx)
}

type editsResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Enhance sends one source image through the edit endpoint and returns the
// generated image bytes. Rate limits, 5xx responses, and timeouts are retried
// with backoff inside the caller's deadline; other 4xx responses fail
// immediately as permanent.
func (c *Client) Enhance(ctx domain.Context, image io.Reader, params domain.EnhanceParams) ([]byte, error) {
	tracer := otel.Tracer("enhancer.openai")
	ctx, span := tracer.Start(ctx, "openai.Enhance")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.model", c.cfg.OpenAIModel),
		attribute.String("provider.size", params.Size),
	)

	if c.cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("op=enhancer.enhance: OPENAI_API_KEY missing: %w", domain.ErrProviderPermanent)
	}

	src, err := io.ReadAll(image)
	if err != nil {
		return nil, fmt.Errorf("op=enhancer.read_source: %w", err)
	}
	mt := mimetype.Detect(src)

	start := time.Now()
	var out []byte
	op := func() error {
		body, contentType, err := c.buildForm(src, mt, params)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/images/edits", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("edits request: %w: %w", domain.ErrProviderTransient, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("provider rate limited",
				slog.String("op", "enhance"),
				slog.Int("status", resp.StatusCode),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("edits status %d: %w", resp.StatusCode, domain.ErrProviderTransient)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			slog.Warn("provider 4xx",
				slog.String("op", "enhance"),
				slog.Int("status", resp.StatusCode),
				slog.String("body", string(snippet)))
			return backoff.Permanent(fmt.Errorf("edits status %d: %w", resp.StatusCode, domain.ErrProviderPermanent))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			slog.Error("provider non-2xx",
				slog.String("op", "enhance"),
				slog.Int("status", resp.StatusCode),
				slog.String("body", string(snippet)))
			return fmt.Errorf("edits status %d: %w", resp.StatusCode, domain.ErrProviderTransient)
		}

		var parsed editsResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("edits decode: %w: %w", domain.ErrProviderTransient, err)
		}
		if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
			return backoff.Permanent(fmt.Errorf("edits empty response: %w", domain.ErrProviderPermanent))
		}
		raw, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("edits b64 decode: %w: %w", domain.ErrProviderPermanent, err))
		}
		out = raw
		return nil
	}

	if err := backoff.Retry(op, c.getBackoffConfig(ctx)); err != nil {
		observability.ObserveProviderCall("error", time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("op=enhancer.enhance: deadline: %w", domain.ErrProviderTransient)
		}
		return nil, fmt.Errorf("op=enhancer.enhance: %w", err)
	}
	observability.ObserveProviderCall("ok", time.Since(start))
	return out, nil
}

// buildForm assembles the multipart request body.
func (c *Client) buildForm(src []byte, mt *mimetype.MIME, params domain.EnhanceParams) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for field, val := range map[string]string{
		"model":   c.cfg.OpenAIModel,
		"prompt":  params.Prompt,
		"size":    params.Size,
		"quality": params.Quality,
	} {
		if err := w.WriteField(field, val); err != nil {
			return nil, "", fmt.Errorf("op=enhancer.form: %w", err)
		}
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="image%s"`, mt.Extension()))
	h.Set("Content-Type", mt.String())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("op=enhancer.form: %w", err)
	}
	if _, err := part.Write(src); err != nil {
		return nil, "", fmt.Errorf("op=enhancer.form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("op=enhancer.form: %w", err)
	}
	return body, w.FormDataContentType(), nil
}
