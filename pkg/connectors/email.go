package connectors

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// emailPoller polls an IMAP mailbox for messages with a UID greater than
// the persisted cursor, speaking IMAP through github.com/emersion/go-imap
// rather than hand-rolling the wire protocol on net/textproto.
type emailPoller struct {
	addr     string
	username string
	password string
	mailbox  string
	dial     func(addr string) (*client.Client, error)
}

// NewEmailPoller constructs a Poller for the "email" channel against an
// IMAP server at addr (host:port), authenticating with username/password
// and polling mailbox (typically "INBOX").
func NewEmailPoller(addr, username, password, mailbox string) Poller {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &emailPoller{
		addr:     addr,
		username: username,
		password: password,
		mailbox:  mailbox,
		dial:     func(addr string) (*client.Client, error) { return client.DialTLS(addr, &tls.Config{ServerName: hostOf(addr)}) },
	}
}

func (p *emailPoller) Channel() string  { return "email" }
func (p *emailPoller) Provider() string { return "imap" }

// Poll resumes from the UID immediately after cursor (empty means "from
// the start of the mailbox"), returning one NormalizedEvent per fetched
// message, newest-UID-last so Cursor only ever advances forward.
// The go-imap v1 client manages its own connection deadlines,
// so ctx is not threaded further than establishing the session.
func (p *emailPoller) Poll(ctx context.Context, cursor string) ([]NormalizedEvent, error) {
	lastUID := uint32(0)
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("connectors: parse email cursor %q: %w", cursor, err)
		}
		lastUID = uint32(parsed)
	}

	c, err := p.dial(p.addr)
	if err != nil {
		return nil, fmt.Errorf("connectors: dial imap %s: %w", p.addr, err)
	}
	defer c.Logout()

	if err := c.Login(p.username, p.password); err != nil {
		return nil, fmt.Errorf("connectors: imap login: %w", err)
	}
	if _, err := c.Select(p.mailbox, false); err != nil {
		return nil, fmt.Errorf("connectors: imap select %s: %w", p.mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(lastUID+1, 0)
	criteria.Uid = uidRange

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("connectors: imap uid search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}, messages)
	}()

	events := make([]NormalizedEvent, 0, len(uids))
	for msg := range messages {
		// A "lastUID+1:*" range always matches the mailbox's highest UID,
		// even when that UID is not above the cursor.
		if msg.Uid <= lastUID {
			continue
		}
		events = append(events, normalizeEmailMessage(msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("connectors: imap uid fetch: %w", err)
	}

	sortEventsByCursor(events)
	return events, nil
}

func normalizeEmailMessage(msg *imap.Message) NormalizedEvent {
	sender := "unknown"
	subject := ""
	observedAt := time.Now().UTC()
	if msg.Envelope != nil {
		subject = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			observedAt = msg.Envelope.Date.UTC()
		}
		if len(msg.Envelope.From) > 0 {
			sender = fmt.Sprintf("%s@%s", msg.Envelope.From[0].MailboxName, msg.Envelope.From[0].HostName)
		}
	}
	return NormalizedEvent{
		ExternalEventID: strconv.FormatUint(uint64(msg.Uid), 10),
		ObservedAt:      observedAt,
		SenderIdentity:  sender,
		RawPayload:      mustJSON(map[string]any{"uid": msg.Uid, "subject": subject}),
		NormalizedText:  subject,
		Cursor:          strconv.FormatUint(uint64(msg.Uid), 10),
	}
}

func sortEventsByCursor(events []NormalizedEvent) {
	// UIDs are decimal strings: a shorter string is the smaller number.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0; j-- {
			a, b := events[j].ExternalEventID, events[j-1].ExternalEventID
			if len(a) > len(b) || (len(a) == len(b) && a >= b) {
				break
			}
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
