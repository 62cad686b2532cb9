package modules

import (
	"context"
	"fmt"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/messenger"
	"github.com/butler-fleet/butlers/pkg/module"
)

// TelegramModule declares the telegram channel's egress tool surface.
// On every butler except Messenger,
// pkg/module.Resolve strips these before registration (the channel
// egress ownership invariant); only Messenger keeps a live Provider
// behind them, since Messenger is the sole outbound execution plane.
type TelegramModule struct {
	provider messenger.Provider // nil unless this butler is Messenger
}

// NewTelegramModule builds the module. Pass a nil provider on every
// butler except Messenger; module.Resolve strips the tools before the
// nil provider would ever be reached.
func NewTelegramModule(provider messenger.Provider) *TelegramModule {
	return &TelegramModule{provider: provider}
}

func (m *TelegramModule) Name() string           { return "telegram" }
func (m *TelegramModule) Dependencies() []string { return nil }

func (m *TelegramModule) RegisterTools() []module.ToolIODescriptor {
	return []module.ToolIODescriptor{
		{
			Name:           "user_telegram_send_message",
			Description:    "Send a new telegram message to a chat.",
			UserOutputs:    []string{"chat_id", "text"},
			ApprovalDefault: module.ApprovalAlways,
			Handler:        m.handleSend,
		},
		{
			Name:           "user_telegram_reply_message",
			Description:    "Reply to the thread that originated the current request.",
			UserOutputs:    []string{"text"},
			ApprovalDefault: module.ApprovalAlways,
			Handler:        m.handleReply,
		},
		{
			Name:           "bot_telegram_react",
			Description:    "React to a message with an emoji.",
			BotOutputs:     []string{"emoji"},
			ApprovalDefault: module.ApprovalConditional,
			Handler:        m.handleReact,
		},
	}
}

func (m *TelegramModule) handleSend(ctx context.Context, args map[string]any) (any, error) {
	chatID, _ := args["chat_id"].(string)
	text, _ := args["text"].(string)
	return m.deliver(ctx, chatID, text, messenger.DeliveryContext{Intent: "send"})
}

func (m *TelegramModule) handleReply(ctx context.Context, args map[string]any) (any, error) {
	chatID, _ := args["chat_id"].(string)
	text, _ := args["text"].(string)
	return m.deliver(ctx, chatID, text, messenger.DeliveryContext{Intent: "reply"})
}

func (m *TelegramModule) handleReact(ctx context.Context, args map[string]any) (any, error) {
	chatID, _ := args["chat_id"].(string)
	emoji, _ := args["emoji"].(string)
	return m.deliver(ctx, chatID, "", messenger.DeliveryContext{Intent: "react", Emoji: emoji})
}

func (m *TelegramModule) deliver(ctx context.Context, target, content string, dctx messenger.DeliveryContext) (any, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("telegram module: no provider wired on this butler; use notify() instead")
	}
	result, err := m.provider.Deliver(ctx, target, content, dctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"provider_delivery_id": result.ProviderDeliveryID}, nil
}

func (m *TelegramModule) MigrationChain() *database.MigrationChain { return nil }
func (m *TelegramModule) OnStartup(ctx context.Context) error       { return nil }
func (m *TelegramModule) OnShutdown(ctx context.Context) error      { return nil }
