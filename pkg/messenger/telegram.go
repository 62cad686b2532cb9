package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

// telegramProvider delivers send/reply/react to the Telegram Bot API
// over plain net/http, the same hand-rolled-HTTP-client shape the
// connectors package uses for its inbound polling.
type telegramProvider struct {
	httpClient *http.Client
	botToken   string
	baseURL    string
}

// NewTelegramProvider constructs a Provider for the "telegram" channel.
// baseURL defaults to the public Bot API endpoint when empty, letting
// tests point it at an httptest.Server.
func NewTelegramProvider(botToken, baseURL string, httpClient *http.Client) Provider {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &telegramProvider{httpClient: httpClient, botToken: botToken, baseURL: baseURL}
}

func (p *telegramProvider) Channel() string { return "telegram" }

type telegramAPIResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result json.RawMessage `json:"result"`
}

type telegramMessageResult struct {
	MessageID int `json:"message_id"`
}

func (p *telegramProvider) Deliver(ctx context.Context, target, content string, dctx DeliveryContext) (ProviderResult, error) {
	if dctx.Intent == "react" {
		return p.call(ctx, "setMessageReaction", url.Values{
			"chat_id": {target},
			"reaction": {fmt.Sprintf(`[{"type":"emoji","emoji":%q}]`, dctx.Emoji)},
		})
	}
	return p.call(ctx, "sendMessage", url.Values{
		"chat_id": {target},
		"text":    {content},
	})
}

func (p *telegramProvider) call(ctx context.Context, method string, form url.Values) (ProviderResult, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(p.baseURL, "/"), p.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ProviderResult{}, &ProviderError{Class: string(envelope.ClassInternal), Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ProviderResult{}, &ProviderError{Class: string(envelope.ClassTimeout), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProviderResult{}, &ProviderError{Class: string(envelope.ClassInternal), Retryable: false, Err: err}
	}

	var parsed telegramAPIResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
		return ProviderResult{}, &ProviderError{Class: string(envelope.ClassInternal), Retryable: false, Err: fmt.Errorf("decode telegram response: %w", jsonErr)}
	}

	if !parsed.OK {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := time.Second
			if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
				retryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
			}
			return ProviderResult{RetryAfter: retryAfter}, &ProviderError{
				Class: string(envelope.ClassOverloadRejected), Retryable: true,
				Err: fmt.Errorf("telegram rate limited: %s", parsed.Description),
			}
		case resp.StatusCode >= 500:
			return ProviderResult{}, &ProviderError{Class: string(envelope.ClassTargetUnavailable), Retryable: true, Err: fmt.Errorf("telegram server error %d: %s", resp.StatusCode, parsed.Description)}
		default:
			return ProviderResult{}, &ProviderError{Class: string(envelope.ClassValidation), Retryable: false, Err: fmt.Errorf("telegram rejected request %d: %s", resp.StatusCode, parsed.Description)}
		}
	}

	var msg telegramMessageResult
	providerID := ""
	if err := json.Unmarshal(parsed.Result, &msg); err == nil && msg.MessageID != 0 {
		providerID = strconv.Itoa(msg.MessageID)
	}
	return ProviderResult{ProviderDeliveryID: providerID}, nil
}
