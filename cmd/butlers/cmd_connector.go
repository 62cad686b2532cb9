package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/butler-fleet/butlers/pkg/connectors"
)

var (
	connectorChannel     string
	connectorSwitchboard string
	connectorIdentity    string
	connectorStateDir    string
)

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Run one transport-only channel connector",
	Long: `Connector polls one provider (telegram or email), normalizes
events into canonical ingest envelopes, and submits them to
Switchboard's ingest boundary. It classifies nothing and calls no
specialist butler; its resume cursor is persisted per endpoint identity
so concurrent instances never share one.`,
	RunE: runConnector,
}

func init() {
	connectorCmd.Flags().StringVar(&connectorChannel, "channel", "", "provider channel: telegram or email (required)")
	connectorCmd.Flags().StringVar(&connectorSwitchboard, "switchboard", "", "switchboard base URL (required)")
	connectorCmd.Flags().StringVar(&connectorIdentity, "endpoint-identity", "", "stable identity of this connector instance (required)")
	connectorCmd.Flags().StringVar(&connectorStateDir, "state-dir", ".", "directory holding this instance's cursor file")
	_ = connectorCmd.MarkFlagRequired("channel")
	_ = connectorCmd.MarkFlagRequired("switchboard")
	_ = connectorCmd.MarkFlagRequired("endpoint-identity")
}

func runConnector(cmd *cobra.Command, args []string) error {
	poller, err := buildPoller(connectorChannel)
	if err != nil {
		return err
	}

	cursorPath := filepath.Join(connectorStateDir, connectorIdentity+".cursor.json")
	cursor, err := connectors.NewFileCursorStore(cursorPath)
	if err != nil {
		return fmt.Errorf("open cursor store %s: %w", cursorPath, err)
	}

	runner := connectors.NewRunner(
		poller,
		connectors.NewHTTPIngestClient(connectorSwitchboard, nil),
		connectors.NewHTTPHeartbeatClient(connectorSwitchboard, nil),
		cursor,
		connectors.DefaultRunnerConfig(connectorIdentity),
		func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runner.Run(ctx)
}

func buildPoller(channel string) (connectors.Poller, error) {
	switch channel {
	case "telegram":
		token := os.Getenv("BUTLER_TELEGRAM_TOKEN")
		if token == "" {
			return nil, fmt.Errorf("BUTLER_TELEGRAM_TOKEN is required for the telegram connector")
		}
		return connectors.NewTelegramPoller(token, "", nil), nil
	case "email":
		addr := os.Getenv("BUTLER_EMAIL_IMAP_ADDR")
		if addr == "" {
			addr = "imap.gmail.com:993"
		}
		username := os.Getenv("BUTLER_EMAIL_ADDRESS")
		password := os.Getenv("BUTLER_EMAIL_PASSWORD")
		if username == "" || password == "" {
			return nil, fmt.Errorf("BUTLER_EMAIL_ADDRESS and BUTLER_EMAIL_PASSWORD are required for the email connector")
		}
		return connectors.NewEmailPoller(addr, username, password, "INBOX"), nil
	default:
		return nil, fmt.Errorf("unknown connector channel %q (want telegram or email)", channel)
	}
}
