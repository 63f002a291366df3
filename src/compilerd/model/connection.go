package model

import (
	"time"

	"github.com/gofrs/uuid"
)

// Connection is the repository layer model for an individual client connection.
type Connection struct {
	UUID         uuid.UUID
	ConnectedAt  time.Time
	KeepAlive    *time.Duration
	RequestCount int
}
