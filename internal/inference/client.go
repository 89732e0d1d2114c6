// Package inference is a client for the hosted text, image and video models.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("inference: service not configured")

// Endpoints of the hosted models.
type Endpoints struct {
	Text      string `mapstructure:"text_url"`
	Image     string `mapstructure:"image_url"`
	ImageEdit string `mapstructure:"image_edit_url"`
	Video     string `mapstructure:"video_url"`
	Model     string `mapstructure:"model"`
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Text:      "https://llm.chutes.ai/v1/chat/completions",
		Image:     "https://chutes-z-image-turbo.chutes.ai/generate",
		ImageEdit: "https://chutes-qwen-image-edit-2509.chutes.ai/generate",
		Video:     "https://chutes-wan-2-2-i2v-14b-fast.chutes.ai/generate",
		Model:     "Qwen/Qwen3-32B",
	}
}

// Request defaults.
const (
	DefaultMaxTokens     = 1024
	DefaultTemperature   = 0.7
	DefaultEditSize      = 1024
	DefaultEditSteps     = 40
	DefaultEditCFGScale  = 4
	DefaultGuidanceScale = 1
	NoTextResponse       = "No response generated"

	DefaultVideoNegativePrompt = "色调艳丽，过曝，静态，细节模糊不清，字幕，风格，作品，画作，画面，静止，整体发灰，最差质量，低质量，JPEG压缩残留，丑陋的，残缺的，多余的手指，画得不好的手部，画得不好的脸部，畸形的，毁容的，形态畸形的肢体，手指融合，静止不动的画面，杂乱的背景，三条腿，背景人很多，倒着走"
)

type TextRequest struct {
	Prompt      string  `json:"prompt" binding:"required"`
	MaxTokens   int     `json:"max_tokens,omitempty" binding:"omitempty,min=1,max=8192"`
	Temperature float64 `json:"temperature,omitempty" binding:"omitempty,min=0,max=2"`
}

type ImageRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Width  int    `json:"width,omitempty" binding:"omitempty,min=64,max=2048"`
	Height int    `json:"height,omitempty" binding:"omitempty,min=64,max=2048"`
}

type EditRequest struct {
	Prompt            string  `json:"prompt" binding:"required"`
	ImageB64          string  `json:"image_b64" binding:"required"`
	Width             int     `json:"width,omitempty" binding:"omitempty,min=64,max=2048"`
	Height            int     `json:"height,omitempty" binding:"omitempty,min=64,max=2048"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty" binding:"omitempty,min=1,max=100"`
	TrueCFGScale      float64 `json:"true_cfg_scale,omitempty" binding:"omitempty,min=0"`
}

type VideoRequest struct {
	Prompt         string  `json:"prompt" binding:"required"`
	ImageB64       string  `json:"image_b64" binding:"required"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty" binding:"omitempty,min=0"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
}

// Client calls the hosted models with a bearer API key.
type Client struct {
	endpoints Endpoints
	apiKey    string
	http      *http.Client
	log       *zap.Logger
}

func NewClient(endpoints Endpoints, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		endpoints: endpoints,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

// GenerateText answers a single-turn chat prompt.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	body := map[string]any{
		"model":       c.endpoints.Model,
		"messages":    []map[string]string{{"role": "user", "content": req.Prompt}},
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "text", c.endpoints.Text, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return NoTextResponse, nil
	}
	return out.Choices[0].Message.Content, nil
}

// GenerateImage returns a base64-encoded image.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	var out mediaResponse
	if err := c.post(ctx, "image", c.endpoints.Image, map[string]any{"prompt": req.Prompt}, &out); err != nil {
		return "", err
	}
	return out.image(), nil
}

// EditImage applies prompt to a base64 image and returns the result.
func (c *Client) EditImage(ctx context.Context, req EditRequest) (string, error) {
	body := map[string]any{
		"prompt":              req.Prompt,
		"image_b64s":          []string{req.ImageB64},
		"width":               orInt(req.Width, DefaultEditSize),
		"height":              orInt(req.Height, DefaultEditSize),
		"negative_prompt":     req.NegativePrompt,
		"num_inference_steps": orInt(req.NumInferenceSteps, DefaultEditSteps),
		"true_cfg_scale":      orFloat(req.TrueCFGScale, DefaultEditCFGScale),
	}
	var out mediaResponse
	if err := c.post(ctx, "image-edit", c.endpoints.ImageEdit, body, &out); err != nil {
		return "", err
	}
	return out.image(), nil
}

// GenerateVideo animates a base64 image and returns the video URL.
func (c *Client) GenerateVideo(ctx context.Context, req VideoRequest) (string, error) {
	negative := req.NegativePrompt
	if negative == "" {
		negative = DefaultVideoNegativePrompt
	}
	body := map[string]any{
		"prompt":          req.Prompt,
		"image":           req.ImageB64,
		"guidance_scale":  orFloat(req.GuidanceScale, DefaultGuidanceScale),
		"negative_prompt": negative,
	}
	var out mediaResponse
	if err := c.post(ctx, "video", c.endpoints.Video, body, &out); err != nil {
		return "", err
	}
	if out.Video != "" {
		return out.Video, nil
	}
	if len(out.Videos) > 0 {
		return out.Videos[0], nil
	}
	return "", nil
}

type mediaResponse struct {
	Image  string   `json:"image"`
	Images []string `json:"images"`
	Video  string   `json:"video"`
	Videos []string `json:"videos"`
}

func (r mediaResponse) image() string {
	if r.Image != "" {
		return r.Image
	}
	if len(r.Images) > 0 {
		return r.Images[0]
	}
	return ""
}

func (c *Client) post(ctx context.Context, kind, url string, body, out any) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference %s: %w", kind, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("inference %s: read response: %w", kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inference %s: status %d: %s", kind, resp.StatusCode, truncate(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("inference %s: decode response: %w", kind, err)
	}
	c.log.Debug("inference call",
		zap.String("kind", kind),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
