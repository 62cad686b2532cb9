package messenger

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

// emailProvider delivers send/reply over SMTP via net/smtp; the
// connection goes through the standard Go TLS stack.
type emailProvider struct {
	addr     string
	auth     smtp.Auth
	from     string
	sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailProvider constructs a Provider for the "email" channel talking
// to an SMTP relay at addr (host:port) authenticating as from.
func NewEmailProvider(addr, username, password, from string) Provider {
	return &emailProvider{
		addr:     addr,
		auth:     smtp.PlainAuth("", username, password, strings.Split(addr, ":")[0]),
		from:     from,
		sendFunc: smtp.SendMail,
	}
}

func (p *emailProvider) Channel() string { return "email" }

func (p *emailProvider) Deliver(ctx context.Context, target, content string, dctx DeliveryContext) (ProviderResult, error) {
	if dctx.Intent == "react" {
		return ProviderResult{}, &ProviderError{Class: string(envelope.ClassValidation), Retryable: false, Err: fmt.Errorf("email does not support react intent")}
	}

	subject := dctx.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", p.from, target, subject, content)

	done := make(chan error, 1)
	go func() { done <- p.sendFunc(p.addr, p.auth, p.from, []string{target}, []byte(msg)) }()

	select {
	case err := <-done:
		if err != nil {
			return ProviderResult{}, &ProviderError{Class: string(envelope.ClassTargetUnavailable), Retryable: true, Err: err}
		}
		return ProviderResult{}, nil
	case <-ctx.Done():
		return ProviderResult{}, &ProviderError{Class: string(envelope.ClassTimeout), Retryable: true, Err: ctx.Err()}
	}
}
