package dispatch

import (
	"context"
	"database/sql"

	commonerrors "workspace-notifications/internal/common/errors"
)

const selectContactQuery = `
	SELECT COALESCE(email, ''), COALESCE(push_endpoint_arn, '')
	FROM users
	WHERE id = $1`

// SQLDirectory resolves recipient contacts from the users table.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Lookup(ctx context.Context, userID string) (*Contact, error) {
	var contact Contact
	err := d.db.QueryRowContext(ctx, selectContactQuery, userID).Scan(
		&contact.Email,
		&contact.PushEndpointARN,
	)
	if err == sql.ErrNoRows {
		// Unknown recipient resolves to an empty contact; the dispatcher skips
		// the channels it cannot reach instead of failing the compose.
		return &Contact{}, nil
	}
	if err != nil {
		return nil, commonerrors.NewPersistenceFailedError("select recipient contact", err)
	}
	return &contact, nil
}
