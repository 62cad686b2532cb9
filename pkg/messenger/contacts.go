package messenger

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrMissingContactInfo signals that target resolution found no
// contact_info row for the requested channel, parking the delivery as
// pending_missing_identifier.
var ErrMissingContactInfo = fmt.Errorf("messenger: no contact_info row for requested channel")

// contactStore resolves contact_id -> channel identifier and the
// configured owner default, backing Engine's target resolution priority:
// explicit contact_id -> explicit recipient -> owner default.
type contactStore struct {
	db    *sqlx.DB
	table string
}

func newContactStore(db *sqlx.DB, table string) *contactStore {
	return &contactStore{db: db, table: table}
}

func (c *contactStore) ResolveContactID(ctx context.Context, contactID, channel string) (string, error) {
	query := fmt.Sprintf(`SELECT identifier FROM %s WHERE contact_id = $1 AND channel = $2`, c.table)
	var identifier string
	if err := c.db.GetContext(ctx, &identifier, query, contactID, channel); err != nil {
		return "", fmt.Errorf("%w: contact_id=%s channel=%s", ErrMissingContactInfo, contactID, channel)
	}
	return identifier, nil
}

func (c *contactStore) OwnerDefault(ctx context.Context, channel string) (string, error) {
	query := fmt.Sprintf(`SELECT identifier FROM %s WHERE channel = $1 AND is_owner LIMIT 1`, c.table)
	var identifier string
	if err := c.db.GetContext(ctx, &identifier, query, channel); err != nil {
		return "", fmt.Errorf("%w: owner default channel=%s", ErrMissingContactInfo, channel)
	}
	return identifier, nil
}
