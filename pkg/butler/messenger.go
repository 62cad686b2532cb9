package butler

import (
	"os"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/messenger"
)

// messengerState is the Messenger-only wiring: the delivery engine plus
// the live channel providers its notify handling terminates at.
type messengerState struct {
	Engine    *messenger.Engine
	Providers map[string]messenger.Provider
}

// buildProviders constructs one delivery provider per channel whose
// credentials are present in the environment. A channel with no
// credentials simply isn't offered; notify requests for it fail
// validation with a "no provider registered" message.
func buildProviders() map[string]messenger.Provider {
	out := map[string]messenger.Provider{}
	if token := os.Getenv("BUTLER_TELEGRAM_TOKEN"); token != "" {
		out["telegram"] = messenger.NewTelegramProvider(token, "", nil)
	}
	if addr := os.Getenv("BUTLER_EMAIL_ADDRESS"); addr != "" {
		smtpAddr := os.Getenv("BUTLER_EMAIL_SMTP_ADDR")
		if smtpAddr == "" {
			smtpAddr = "smtp.gmail.com:587"
		}
		out["email"] = messenger.NewEmailProvider(smtpAddr, addr, os.Getenv("BUTLER_EMAIL_PASSWORD"), addr)
	}
	return out
}

// bootstrapMessenger wires the delivery engine over the providers built
// earlier in BootstrapManifest (the channel modules hold the same
// instances, so tool-surface deliveries and notify deliveries share one
// provider per channel).
func (b *Butler) bootstrapMessenger(providers map[string]messenger.Provider) error {
	if len(providers) == 0 {
		b.log.Warn("messenger has no channel providers configured; every delivery will fail validation")
	}
	list := make([]messenger.Provider, 0, len(providers))
	for _, p := range providers {
		list = append(list, p)
	}
	cfg := messenger.DefaultConfig
	b.Messenger = &messengerState{
		Engine:    messenger.New(b.DB.DB, b.Manifest.DB.Schema, list, cfg, b.log),
		Providers: providers,
	}
	return nil
}

func isMessenger(m *config.Manifest) bool {
	return m.Butler.Kind == config.KindMessenger
}
