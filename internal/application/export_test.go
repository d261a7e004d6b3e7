package application

import (
	"context"
	"time"
)

// SetClock replaces the service clock.
func (s *TokenService) SetClock(now func() time.Time) { s.now = now }

// SetClock replaces the service clock.
func (s *SyncService) SetClock(now func() time.Time) { s.now = now }

// SetSleep replaces the backoff sleeper.
func (s *SyncService) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { s.sleep = sleep }
