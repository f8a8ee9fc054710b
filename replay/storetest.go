package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestStore runs the conformance suite against a Store implementation.
// Implementations can call this from their own packages to verify compliance.
//
// The factory function is invoked at the start of each subtest to provide a
// fresh Store, so tests do not interfere with each other.
func TestStore(t *testing.T, factory func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("reserve_once", func(t *testing.T) {
		s := factory(t)
		if err := s.TryReserve(ctx, "jti-1", time.Minute); err != nil {
			t.Fatalf("first reservation: %v", err)
		}
		if err := s.TryReserve(ctx, "jti-1", time.Minute); !errors.Is(err, ErrAlreadyPresent) {
			t.Fatalf("second reservation: want ErrAlreadyPresent, got %v", err)
		}
		if err := s.TryReserve(ctx, "jti-2", time.Minute); err != nil {
			t.Fatalf("other jti: %v", err)
		}
	})

	t.Run("invalid_args", func(t *testing.T) {
		s := factory(t)
		for _, tc := range []struct {
			jti string
			ttl time.Duration
		}{
			{jti: "", ttl: time.Minute},
			{jti: "jti", ttl: 0},
			{jti: "jti", ttl: -time.Second},
		} {
			err := s.TryReserve(ctx, tc.jti, tc.ttl)
			if err == nil || errors.Is(err, ErrAlreadyPresent) {
				t.Errorf("TryReserve(%q, %s): want a store error, got %v", tc.jti, tc.ttl, err)
			}
		}
	})

	t.Run("expired_reservation_is_reusable", func(t *testing.T) {
		s := factory(t)
		if err := s.TryReserve(ctx, "short", 50*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		time.Sleep(150 * time.Millisecond)
		if err := s.TryReserve(ctx, "short", time.Minute); err != nil && !errors.Is(err, ErrAlreadyPresent) {
			t.Fatalf("reserving after expiry: %v", err)
		}
	})

	t.Run("purge", func(t *testing.T) {
		s := factory(t)
		p, ok := s.(Purger)
		if !ok {
			t.Skip("store does not purge")
		}
		if err := s.TryReserve(ctx, "expiring", 50*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		if err := s.TryReserve(ctx, "live", time.Hour); err != nil {
			t.Fatal(err)
		}
		time.Sleep(150 * time.Millisecond)

		n, err := p.Purge(ctx)
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if n != 1 {
			t.Errorf("want 1 record purged, got %d", n)
		}
		if err := s.TryReserve(ctx, "live", time.Hour); !errors.Is(err, ErrAlreadyPresent) {
			t.Errorf("purge removed a live reservation: %v", err)
		}
	})

	t.Run("concurrent_reservation", func(t *testing.T) {
		s := factory(t)
		const workers = 16

		for round := range 5 {
			jti := fmt.Sprintf("race-%d", round)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				reserved int
				present  int
				other    []error
			)
			start := make(chan struct{})
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := s.TryReserve(ctx, jti, time.Minute)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						reserved++
					case errors.Is(err, ErrAlreadyPresent):
						present++
					default:
						other = append(other, err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if len(other) > 0 {
				t.Fatalf("unexpected errors: %v", other)
			}
			if reserved != 1 || present != workers-1 {
				t.Errorf("round %d: want exactly one reservation, got %d reserved and %d rejected", round, reserved, present)
			}
		}
	})
}
