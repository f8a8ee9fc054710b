// Package replay implements single-use reservation of token IDs. A jti can be
// reserved once; until the reservation expires every further attempt fails
// with ErrAlreadyPresent.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyPresent is returned when the jti already has a live reservation.
var ErrAlreadyPresent = errors.New("jti already reserved")

// Store records reserved token IDs.
type Store interface {
	// TryReserve atomically reserves jti for ttl. It returns nil if this call
	// made the reservation, ErrAlreadyPresent if a live reservation exists,
	// and any other error if the store could not decide. Implementations must
	// guarantee that of any number of concurrent calls for the same jti at
	// most one returns nil.
	TryReserve(ctx context.Context, jti string, ttl time.Duration) error
}

// Purger is implemented by stores that keep expired reservations until they
// are explicitly removed.
type Purger interface {
	// Purge deletes expired reservations, returning how many were removed.
	Purge(ctx context.Context) (int64, error)
}

func checkArgs(jti string, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("empty jti")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	return nil
}
