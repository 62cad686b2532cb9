package butler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/models"
)

// advertiseLoop keeps this butler's registry row fresh on Switchboard:
// an idempotent upsert on an interval well inside the liveness TTL, so
// last_seen_at keeps the registration "online". Switchboard itself never
// advertises — it owns the registry it would be advertising into.
func (b *Butler) advertiseLoop(ctx context.Context) {
	cfg := b.Manifest.Switchboard
	if cfg.URL == "" || !cfg.Advertise || b.Manifest.Butler.Kind == config.KindSwitchboard {
		return
	}

	interval := time.Duration(cfg.LivenessTTLS) * time.Second / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}

	reg := b.buildRegistration()
	client := &http.Client{Timeout: 10 * time.Second}

	b.registerOnce(ctx, client, cfg.URL, reg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.registerOnce(ctx, client, cfg.URL, reg)
		}
	}
}

func (b *Butler) buildRegistration() models.ButlerRegistration {
	var moduleNames []string
	var toolNames []string
	if b.Modules != nil {
		for _, m := range b.Modules.Modules() {
			moduleNames = append(moduleNames, m.Name())
		}
		for name := range b.Modules.Tools() {
			toolNames = append(toolNames, name)
		}
		sort.Strings(toolNames)
	}
	caps, _ := json.Marshal(map[string]any{"tools": toolNames})

	host := os.Getenv("BUTLER_ADVERTISE_HOST")
	if host == "" {
		host = "127.0.0.1"
	}

	return models.ButlerRegistration{
		Name:             b.Manifest.Butler.Name,
		EndpointURL:      fmt.Sprintf("http://%s:%d", host, b.Manifest.Butler.Port),
		Modules:          models.JSONStringSlice(moduleNames),
		Capabilities:     models.JSONValue{Raw: caps},
		RouteContractMin: b.Manifest.Switchboard.RouteContractMin,
		RouteContractMax: b.Manifest.Switchboard.RouteContractMax,
		AdvertiseFlag:    b.Manifest.Switchboard.Advertise,
	}
}

func (b *Butler) registerOnce(ctx context.Context, client *http.Client, switchboardURL string, reg models.ButlerRegistration) {
	body, err := json.Marshal(reg)
	if err != nil {
		b.log.Error("marshal registration failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, switchboardURL+"/registry/register", bytes.NewReader(body))
	if err != nil {
		b.log.Error("build registration request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		b.log.Warn("registry advertisement failed", "switchboard", switchboardURL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.log.Warn("registry advertisement rejected", "status", resp.StatusCode)
	}
}
