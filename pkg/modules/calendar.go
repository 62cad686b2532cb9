package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/module"
)

const calendarAPIBase = "https://www.googleapis.com/calendar/v3"

// CalendarModule exposes the Google Calendar REST v3 API, reading an
// already-issued OAuth access token from the declared environment rather
// than performing any OAuth flow itself: the calendar scope
// note excludes "OAuth setup tooling beyond reading already-issued tokens
// from the environment", so no golang.org/x/oauth2 dependency is wired.
type CalendarModule struct {
	accessToken string
	calendarID  string
	httpClient  *http.Client
	apiBase     string // overridable in tests; defaults to calendarAPIBase
}

// NewCalendarModule builds the module. accessToken is read from the
// butler's declared env (e.g. BUTLER_CALENDAR_TOKEN); calendarID defaults
// to "primary" when empty.
func NewCalendarModule(accessToken, calendarID string, httpClient *http.Client) *CalendarModule {
	if calendarID == "" {
		calendarID = "primary"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &CalendarModule{accessToken: accessToken, calendarID: calendarID, httpClient: httpClient, apiBase: calendarAPIBase}
}

func (m *CalendarModule) Name() string           { return "calendar" }
func (m *CalendarModule) Dependencies() []string { return nil }

func (m *CalendarModule) RegisterTools() []module.ToolIODescriptor {
	return []module.ToolIODescriptor{
		{
			Name:           "bot_calendar_create_event",
			Description:    "Create a calendar event.",
			BotInputs:      []string{"summary", "start", "end"},
			BotOutputs:     []string{"event_id"},
			ApprovalDefault: module.ApprovalConditional,
			Handler:        m.handleCreateEvent,
		},
		{
			Name:           "bot_calendar_list_events",
			Description:    "List upcoming calendar events within a time window.",
			BotInputs:      []string{"time_min", "time_max"},
			BotOutputs:     []string{"events"},
			ApprovalDefault: module.ApprovalNone,
			Handler:        m.handleListEvents,
		},
	}
}

func (m *CalendarModule) handleCreateEvent(ctx context.Context, args map[string]any) (any, error) {
	summary, _ := args["summary"].(string)
	start, _ := args["start"].(string)
	end, _ := args["end"].(string)

	body := map[string]any{
		"summary": summary,
		"start":   map[string]string{"dateTime": start},
		"end":     map[string]string{"dateTime": end},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/calendars/%s/events", m.apiBase, m.calendarID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar create event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("calendar create event: status %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, err
	}
	return map[string]string{"event_id": created.ID}, nil
}

func (m *CalendarModule) handleListEvents(ctx context.Context, args map[string]any) (any, error) {
	timeMin, _ := args["time_min"].(string)
	timeMax, _ := args["time_max"].(string)

	url := fmt.Sprintf("%s/calendars/%s/events?timeMin=%s&timeMax=%s&singleEvents=true&orderBy=startTime",
		m.apiBase, m.calendarID, timeMin, timeMax)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar list events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("calendar list events: status %d", resp.StatusCode)
	}

	var listing struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
			Start   struct {
				DateTime string `json:"dateTime"`
			} `json:"start"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, err
	}

	events := make([]map[string]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		events = append(events, map[string]string{
			"event_id": item.ID,
			"summary":  item.Summary,
			"start":    item.Start.DateTime,
		})
	}
	return map[string]any{"events": events}, nil
}

func (m *CalendarModule) MigrationChain() *database.MigrationChain { return nil }
func (m *CalendarModule) OnStartup(ctx context.Context) error       { return nil }
func (m *CalendarModule) OnShutdown(ctx context.Context) error      { return nil }
