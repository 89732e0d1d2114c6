package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-labs/chronicle/internal/payclient"
)

// TagsHeader carries the base64 JSON of an upload's tags.
const TagsHeader = "X-Upload-Tags"

// Upload is one object to store.
type Upload struct {
	Data        []byte
	ContentType string
	Tags        []Tag
	// MaxAmount caps what the payer may authorize upstream, in atomic units.
	MaxAmount *big.Int
}

// Result identifies a stored object.
type Result struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client is an upload client for the storage gateway.
type Client struct {
	apiURL     string
	gatewayURL string
	apiKey     string
	http       *http.Client
	payer      *payclient.Client
	log        *zap.Logger
}

func NewClient(apiURL, gatewayURL, apiKey string, log *zap.Logger) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}
}

// WithPayer makes uploads answer upstream 402 challenges with p.
func (c *Client) WithPayer(p *payclient.Client) *Client {
	c.payer = p
	return c
}

// Upload stores u and returns its ID and public URL.
func (c *Client) Upload(ctx context.Context, u Upload) (*Result, error) {
	tags, err := json.Marshal(u.Tags)
	if err != nil {
		return nil, fmt.Errorf("storage: encode tags: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", u.ContentType)
	header.Set(TagsHeader, base64.StdEncoding.EncodeToString(tags))
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	status, body, err := c.post(ctx, c.apiURL+"/v1/upload", header, u)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("storage: upload: status %d: %s", status, truncate(body))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("storage: decode upload response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("storage: upload response has no id")
	}
	c.log.Info("object stored",
		zap.String("id", out.ID),
		zap.Int("size", len(u.Data)),
		zap.String("content_type", u.ContentType),
	)
	return &Result{ID: out.ID, URL: c.URL(out.ID)}, nil
}

// URL is the public gateway address of an object.
func (c *Client) URL(id string) string { return c.gatewayURL + "/" + id }

func (c *Client) post(ctx context.Context, url string, header http.Header, u Upload) (int, []byte, error) {
	if c.payer != nil {
		p := *c.payer
		p.MaxAmount = u.MaxAmount
		if p.HTTP == nil {
			p.HTTP = c.http
		}
		res, err := p.Do(ctx, payclient.Request{Method: http.MethodPost, URL: url, Header: header, Body: u.Data})
		if err != nil {
			return 0, nil, fmt.Errorf("storage: paid upload: %w", err)
		}
		return res.StatusCode, res.Body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(u.Data))
	if err != nil {
		return 0, nil, err
	}
	req.Header = header
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("storage: read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
