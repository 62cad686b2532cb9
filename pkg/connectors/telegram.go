package connectors

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
)

// telegramPoller long-polls the Bot API's getUpdates method over plain
// net/http, the same hand-rolled-HTTP-client shape
// pkg/messenger.telegramProvider uses for outbound calls.
type telegramPoller struct {
	httpClient *http.Client
	botToken   string
	baseURL    string
	timeoutS   int
}

// NewTelegramPoller constructs a Poller for the "telegram" channel.
// baseURL defaults to the public Bot API endpoint when empty.
func NewTelegramPoller(botToken, baseURL string, httpClient *http.Client) Poller {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 35 * time.Second}
	}
	return &telegramPoller{httpClient: httpClient, botToken: botToken, baseURL: baseURL, timeoutS: 30}
}

func (p *telegramPoller) Channel() string  { return "telegram" }
func (p *telegramPoller) Provider() string { return "telegram-bot-api" }

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		Date      int64 `json:"date"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

type telegramGetUpdatesResponse struct {
	OK          bool              `json:"ok"`
	Description string            `json:"description"`
	Result      []telegramUpdate  `json:"result"`
}

// Poll fetches updates with update_id > cursor using Telegram's own
// offset-based long-poll semantics: cursor IS the next offset to
// request, so it both resumes correctly and naturally tolerates
// at-least-once delivery from a crash between fetch and ack.
func (p *telegramPoller) Poll(ctx context.Context, cursor string) ([]NormalizedEvent, error) {
	offset := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("connectors: parse telegram cursor %q: %w", cursor, err)
		}
		offset = parsed
	}

	form := url.Values{
		"timeout": {strconv.Itoa(p.timeoutS)},
		"allowed_updates": {`["message"]`},
	}
	if offset != 0 {
		form.Set("offset", strconv.FormatInt(offset, 10))
	}

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates", strings.TrimRight(p.baseURL, "/"), p.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("connectors: build getUpdates request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connectors: getUpdates request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("connectors: read getUpdates response: %w", err)
	}

	var parsed telegramGetUpdatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("connectors: decode getUpdates response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("connectors: telegram getUpdates rejected: %s", parsed.Description)
	}

	events := make([]NormalizedEvent, 0, len(parsed.Result))
	for _, upd := range parsed.Result {
		if upd.Message == nil {
			// Non-message updates (edits, callbacks, ...) carry no
			// ingestible text and produce no event. The offset moves past
			// one only when a later message update is accepted; a trailing
			// non-message update is fetched again on the next poll.
			continue
		}
		chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)
		sender := chatID
		if upd.Message.From != nil {
			sender = strconv.FormatInt(upd.Message.From.ID, 10)
		}
		events = append(events, NormalizedEvent{
			ExternalEventID:  strconv.FormatInt(upd.UpdateID, 10),
			ExternalThreadID: &chatID,
			ObservedAt:       time.Unix(upd.Message.Date, 0).UTC(),
			SenderIdentity:   sender,
			RawPayload:       mustJSON(upd),
			NormalizedText:   upd.Message.Text,
			Cursor:           strconv.FormatInt(upd.UpdateID+1, 10),
		})
	}
	return events, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
