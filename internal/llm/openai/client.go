package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/credential"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
// 凭证与模型由每次调用传入，这里只保留端点级别的参数。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型能力。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Call 以给定凭证调用 Chat Completions 并返回原始文本。
// 非 2xx 响应包装为 *llm.CallError，交由凭证池分类。
func (c *Client) Call(ctx context.Context, cred credential.Credential, messages []llm.Message, systemPrompt string) (string, error) {
	payload, err := c.buildPayload(cred, messages, systemPrompt)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求提供商失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &llm.CallError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("响应内容为空")
	}
	return content, nil
}

func (c *Client) buildPayload(cred credential.Credential, messages []llm.Message, systemPrompt string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	model := strings.TrimSpace(cred.ModelHint)
	if model == "" {
		model = defaultModelName
	}

	outbound := make([]message, 0, len(messages)+1)
	if systemPrompt != "" {
		outbound = append(outbound, message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, msg := range messages {
		outbound = append(outbound, message{Role: msg.Role, Content: msg.Content})
	}

	body := map[string]any{
		"model":       model,
		"messages":    outbound,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}
	return encoded, nil
}

var _ llm.Caller = (*Client)(nil)
