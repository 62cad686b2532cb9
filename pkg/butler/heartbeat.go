package butler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/butler-fleet/butlers/pkg/models"
)

// heartbeatLoop is the Heartbeat butler's whole job: fetch the routable
// fleet from Switchboard's registry and POST /tick to every member so
// each butler's scheduler evaluates its due tasks.
type heartbeatLoop struct {
	switchboardURL string
	interval       time.Duration
	httpClient     *http.Client
	log            *slog.Logger
}

func (b *Butler) bootstrapHeartbeat() {
	b.heartbeat = &heartbeatLoop{
		switchboardURL: b.Manifest.Switchboard.URL,
		interval:       time.Minute,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		log:            b.log.With("component", "heartbeat"),
	}
}

func (h *heartbeatLoop) run(ctx context.Context) {
	if h.switchboardURL == "" {
		h.log.Error("heartbeat butler has no switchboard url configured; tick loop disabled")
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tickAll(ctx)
		}
	}
}

// tickAll ticks every currently-listed butler. Failures are per-target:
// one unreachable butler never blocks the rest of the sweep.
func (h *heartbeatLoop) tickAll(ctx context.Context) {
	regs, err := h.fetchRegistry(ctx)
	if err != nil {
		h.log.Warn("registry fetch failed, skipping tick sweep", "error", err)
		return
	}
	for _, reg := range regs {
		if err := h.tickOne(ctx, reg.EndpointURL); err != nil {
			h.log.Warn("tick failed", "butler", reg.Name, "error", err)
		}
	}
}

func (h *heartbeatLoop) fetchRegistry(ctx context.Context) ([]models.ButlerRegistration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.switchboardURL+"/registry", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	var regs []models.ButlerRegistration
	if err := json.NewDecoder(resp.Body).Decode(&regs); err != nil {
		return nil, err
	}
	return regs, nil
}

func (h *heartbeatLoop) tickOne(ctx context.Context, endpointURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL+"/tick", nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tick returned %d", resp.StatusCode)
	}
	return nil
}
