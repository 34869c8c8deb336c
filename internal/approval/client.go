// Package approval предоставляет клиент канала ручного одобрения заявок.
// Канал асинхронный: клиент только уведомляет оператора о новой заявке,
// решение позже приходит обратным вызовом в сервис.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/invest-ledger/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с каналом одобрения.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// notification описывает уведомление оператору о новой заявке.
type notification struct {
	RequestID   string `json:"request_id"`
	Username    string `json:"username"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Destination string `json:"destination,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type notificationResponse struct {
	MessageID string `json:"message_id"`
}

// NewClient создаёт клиент канала одобрения по указанному адресу.
// Кратковременные сбои канала переживаются ретраями с backoff.
func NewClient(baseURL string) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Notify отправляет оператору уведомление о заявке и возвращает
// идентификатор сообщения в канале.
func (c *Client) Notify(ctx context.Context, req *model.Request) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("approval client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(notification{
		RequestID:   req.ID,
		Username:    req.Username,
		Kind:        string(req.Kind),
		Amount:      req.Amount.String(),
		Destination: req.Destination,
		CreatedAt:   req.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	url := fmt.Sprintf("%s/api/notifications", base)

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result notificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return result.MessageID, nil
}
