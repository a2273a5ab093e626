package memory

import "errors"

var (
	// ErrInvalidCron rejects a malformed maintenance schedule.
	ErrInvalidCron = errors.New("invalid maintenance cron expression")
)
