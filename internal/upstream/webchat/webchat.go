// Package webchat is the reverse adapter for a browser-only chat backend.
// There is no public API: requests impersonate the web client, the whole
// conversation is collapsed into one prompt, and the response stream is
// reassembled from noisy frames into clean deltas.
package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

const (
	defaultBase      = "https://grok.com"
	defaultAssetBase = "https://assets.grok.com"

	chatPath      = "/rest/app-chat/conversations/new"
	uploadPath    = "/rest/app-chat/upload-file"
	rateLimitPath = "/rest/rate-limits"

	// The backend reports remaining queries but not always the window total.
	defaultQueryTotal = 80

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
)

var defaultModels = []string{"grok-4", "grok-3", "grok-3-mini"}

var chromeVersionPattern = regexp.MustCompile(`Chrome/(\d+)`)

// Adapter implements the upstream capability set against the web backend.
type Adapter struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Adapter {
	return &Adapter{httpClient: httpClient}
}

func (a *Adapter) Kind() typ.ProviderKind { return typ.ProviderWebChat }

func (a *Adapter) baseURL(c *typ.Credential) string {
	if c.APIBase != "" {
		return strings.TrimRight(c.APIBase, "/")
	}
	return defaultBase
}

func (a *Adapter) assetBase(c *typ.Credential) string {
	if c.APIBase != "" {
		return strings.TrimRight(c.APIBase, "/")
	}
	return defaultAssetBase
}

// applyHeaders installs the browser fingerprint: the session cookie pair, the
// client hints a real browser would derive from its user agent, and a request
// id that is deterministic for a given credential and prompt.
func (a *Adapter) applyHeaders(req *http.Request, c *typ.Credential, requestID string) {
	cookie := c.GetAccessToken()
	if !strings.Contains(cookie, "=") {
		cookie = fmt.Sprintf("sso=%s; sso-rw=%s", cookie, cookie)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("User-Agent", userAgent)

	major := "139"
	if m := chromeVersionPattern.FindStringSubmatch(userAgent); m != nil {
		major = m[1]
	}
	req.Header.Set("sec-ch-ua", fmt.Sprintf(`"Chromium";v="%s", "Not;A=Brand";v="99"`, major))
	req.Header.Set("sec-ch-ua-mobile", "?0")
	platform := `"Windows"`
	if strings.Contains(userAgent, "Macintosh") {
		platform = `"macOS"`
	}
	req.Header.Set("sec-ch-ua-platform", platform)

	req.Header.Set("x-request-id", requestID)
	req.Header.Set("Origin", a.baseURL(c))
	req.Header.Set("Referer", a.baseURL(c)+"/")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
}

func deterministicRequestID(c *typ.Credential, prompt string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.UUID+"\x00"+prompt)).String()
}

// uploadFile pushes one inline attachment ahead of the chat call and returns
// the attachment id the backend assigned.
func (a *Adapter) uploadFile(ctx context.Context, c *typ.Credential, b typ.Block) (string, error) {
	name := "attachment"
	if b.URL != "" {
		name = path.Base(b.URL)
	}
	payload := map[string]interface{}{
		"fileName":     name,
		"fileMimeType": b.MIME,
		"content":      b.Data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL(c)+uploadPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	a.applyHeaders(httpReq, c, uuid.NewString())

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", typ.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", typ.ClassifyStatus(resp.StatusCode, string(data))
	}
	var out struct {
		FileMetadataID string `json:"fileMetadataId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	return out.FileMetadataID, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, c *typ.Credential, req *typ.Request) (upstream.Stream, error) {
	prompt, media := collapsePrompt(req)

	var attachments []string
	for _, b := range media {
		id, err := a.uploadFile(ctx, c, b)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, id)
	}

	payload := map[string]interface{}{
		"temporary":     true,
		"modelName":     req.Model,
		"message":       prompt,
		"disableMemory": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		body, err = sjson.SetBytes(body, "fileAttachments", attachments)
		if err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL(c)+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	a.applyHeaders(httpReq, c, deterministicRequestID(c, prompt))

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, typ.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, typ.ClassifyStatus(resp.StatusCode, string(data))
	}
	return newStream(resp.Body, a.assetBase(c)), nil
}

// Generate drains the stream into one terminal response; the backend has no
// non-streaming mode.
func (a *Adapter) Generate(ctx context.Context, c *typ.Credential, req *typ.Request) (*typ.Response, error) {
	st, err := a.GenerateStream(ctx, c, req)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	choice := typ.Choice{Message: typ.Message{Role: "assistant"}, FinishReason: typ.FinishStop}
	var content, reasoning strings.Builder
	for {
		d, err := st.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		content.WriteString(d.Content)
		reasoning.WriteString(d.Reasoning)
		for _, tc := range d.ToolCalls {
			choice.ToolCalls = append(choice.ToolCalls, typ.ToolCall{
				ID:            tc.ID,
				Name:          tc.Name,
				ArgumentsJSON: tc.Arguments,
			})
		}
		if d.FinishReason != "" {
			choice.FinishReason = d.FinishReason
		}
	}
	if content.Len() > 0 {
		choice.Message.Content = []typ.Block{typ.TextBlock(content.String())}
	}
	choice.Reasoning = reasoning.String()

	return &typ.Response{
		ID:      "webchat-" + uuid.NewString(),
		Model:   req.Model,
		Choices: []typ.Choice{choice},
	}, nil
}

// ListModels returns the credential's declared models, or the known set. The
// backend exposes no model-list endpoint to impersonate.
func (a *Adapter) ListModels(_ context.Context, c *typ.Credential) ([]typ.ModelInfo, error) {
	ids := c.Models
	if len(ids) == 0 {
		ids = defaultModels
	}
	now := time.Now()
	models := make([]typ.ModelInfo, 0, len(ids))
	for _, id := range ids {
		models = append(models, typ.ModelInfo{ID: id, OwnedBy: "webchat", CreatedAt: now})
	}
	return models, nil
}

// UsageLimits polls the backend's rate-limit endpoint for an advisory
// remaining-query count.
func (a *Adapter) UsageLimits(ctx context.Context, c *typ.Credential) (*typ.UsageSnapshot, error) {
	model := "grok-4"
	if len(c.Models) > 0 {
		model = c.Models[0]
	}
	body, err := json.Marshal(map[string]interface{}{
		"requestKind": "DEFAULT",
		"modelName":   model,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL(c)+rateLimitPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	a.applyHeaders(httpReq, c, uuid.NewString())

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, typ.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, typ.ClassifyStatus(resp.StatusCode, string(data))
	}

	var out struct {
		RemainingQueries  int `json:"remainingQueries"`
		TotalQueries      int `json:"totalQueries"`
		WindowSizeSeconds int `json:"windowSizeSeconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse rate-limit response: %w", err)
	}

	total := out.TotalQueries
	if total <= 0 {
		total = defaultQueryTotal
	}
	now := time.Now()
	snap := &typ.UsageSnapshot{
		QueriesUsed:  total - out.RemainingQueries,
		QueriesTotal: total,
		FetchedAt:    now,
	}
	if out.WindowSizeSeconds > 0 {
		snap.WindowResets = now.Add(time.Duration(out.WindowSizeSeconds) * time.Second)
	}
	logrus.Debugf("webchat usage for %s: %d/%d", c.UUID, snap.QueriesUsed, snap.QueriesTotal)
	return snap, nil
}

var (
	_ upstream.Adapter       = (*Adapter)(nil)
	_ upstream.UsageReporter = (*Adapter)(nil)
)
