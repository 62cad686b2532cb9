package modules

import (
	"context"
	"fmt"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/messenger"
	"github.com/butler-fleet/butlers/pkg/module"
)

// EmailModule declares the email channel's egress tool surface, mirroring
// TelegramModule: live only behind Messenger's net/smtp-backed Provider,
// stripped everywhere else by pkg/module.Resolve.
type EmailModule struct {
	provider messenger.Provider
}

// NewEmailModule builds the module. Pass nil on every butler except
// Messenger.
func NewEmailModule(provider messenger.Provider) *EmailModule {
	return &EmailModule{provider: provider}
}

func (m *EmailModule) Name() string           { return "email" }
func (m *EmailModule) Dependencies() []string { return nil }

func (m *EmailModule) RegisterTools() []module.ToolIODescriptor {
	return []module.ToolIODescriptor{
		{
			Name:           "user_email_send_message",
			Description:    "Send a new email.",
			UserOutputs:    []string{"to", "subject", "body"},
			ApprovalDefault: module.ApprovalAlways,
			Handler:        m.handleSend,
		},
		{
			Name:           "user_email_reply_message",
			Description:    "Reply to the thread that originated the current request.",
			UserOutputs:    []string{"body"},
			ApprovalDefault: module.ApprovalAlways,
			Handler:        m.handleReply,
		},
	}
}

func (m *EmailModule) handleSend(ctx context.Context, args map[string]any) (any, error) {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	return m.deliver(ctx, to, body, messenger.DeliveryContext{Intent: "send", Subject: subject})
}

func (m *EmailModule) handleReply(ctx context.Context, args map[string]any) (any, error) {
	to, _ := args["to"].(string)
	body, _ := args["body"].(string)
	return m.deliver(ctx, to, body, messenger.DeliveryContext{Intent: "reply"})
}

func (m *EmailModule) deliver(ctx context.Context, target, content string, dctx messenger.DeliveryContext) (any, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("email module: no provider wired on this butler; use notify() instead")
	}
	result, err := m.provider.Deliver(ctx, target, content, dctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"provider_delivery_id": result.ProviderDeliveryID}, nil
}

func (m *EmailModule) MigrationChain() *database.MigrationChain { return nil }
func (m *EmailModule) OnStartup(ctx context.Context) error       { return nil }
func (m *EmailModule) OnShutdown(ctx context.Context) error      { return nil }
