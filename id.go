package bridgekeeper

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for event ids and webhook correlation ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRecordID generates a ULID for spool record filenames. ULIDs sort
// lexically by creation time, which keeps the spool directory in append
// order under a plain name sort.
func NewRecordID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
