package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"canvas-agent/internal/generation"
)

const defaultMaxTokens = 8192

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// StatusError carries the upstream HTTP status of a failed Messages call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Client is a generation.Generator backed by the Anthropic Messages API.
type Client struct {
	getter      Getter
	paramPrefix string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxTokens   int64

	once   sync.Once
	sdk    sdk.Client
	sdkErr error
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSpace(baseURL) }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithMaxTokens(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates a Client. The key comes from WithAPIKey, or from
// Parameter Store at <paramPrefix>/generation-token on first use.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" && (c.getter == nil || c.paramPrefix == "") {
		return nil, errors.New("anthropic: need a static API key or a paramstore getter and prefix")
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (sdk.Client, error) {
	c.once.Do(func() {
		key := c.apiKey
		if key == "" {
			key, c.sdkErr = fetchAPIKey(ctx, c.getter, c.paramPrefix+"/generation-token")
			if c.sdkErr != nil {
				return
			}
		}
		opts := []option.RequestOption{
			option.WithAPIKey(key),
			option.WithMaxRetries(0),
		}
		if c.baseURL != "" {
			opts = append(opts, option.WithBaseURL(c.baseURL))
		}
		if c.httpClient != nil {
			opts = append(opts, option.WithHTTPClient(c.httpClient))
		}
		c.sdk = sdk.NewClient(opts...)
	})
	return c.sdk, c.sdkErr
}

// Generate implements generation.Generator.
func (c *Client) Generate(ctx context.Context, req generation.Request) (string, error) {
	if req.Model == "" {
		return "", errors.New("anthropic: model must not be empty")
	}
	cl, err := c.client(ctx)
	if err != nil {
		return "", err
	}

	msg, err := cl.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemText(req)}},
		Messages:  buildMessages(req),
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("anthropic: no text content in response")
	}
	return out.String(), nil
}

// systemText embeds the output schema; the Messages API has no response
// format parameter.
func systemText(req generation.Request) string {
	if len(req.Schema) == 0 {
		return req.System
	}
	return req.System + "\n\nJSON Schema for the response object:\n" + string(req.Schema)
}

func buildMessages(req generation.Request) []sdk.MessageParam {
	msgs := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, t := range req.History {
		if t.Role == generation.TurnModel {
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(t.Text)))
			continue
		}
		msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(t.Text)))
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, 2)
	if b := req.Binary; b != nil {
		if b.MediaType == "application/pdf" {
			blocks = append(blocks, sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{Data: b.Base64}))
		} else {
			blocks = append(blocks, sdk.NewImageBlockBase64(b.MediaType, b.Base64))
		}
	}
	blocks = append(blocks, sdk.NewTextBlock(req.Prompt))
	return append(msgs, sdk.NewUserMessage(blocks...))
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("anthropic: fetch token from paramstore: %w", err)
	}
	var tp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("anthropic: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("anthropic: API token is empty")
	}
	return tp.Token, nil
}
