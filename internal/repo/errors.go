package repo

import "errors"

var (
	// ErrNotConfigured — DB_URL не задан, журнал выключен.
	ErrNotConfigured = errors.New("journal database is not configured")

	// ErrInvalidMessage — запись без message id.
	ErrInvalidMessage = errors.New("invalid message")
)
