// Package session holds in-flight funnel traversals. Sessions are ephemeral:
// one that has been idle longer than the configured timeout is treated as
// absent and never contributes to path statistics.
package session

import (
	"context"
	"time"

	"github.com/sells-group/variant-optimizer/internal/model"
)

// DefaultIdleTimeout applies when a store is built with a zero timeout.
const DefaultIdleTimeout = 30 * time.Minute

// Store persists funnel sessions between requests.
type Store interface {
	// Create stores a new session. Conflict if the id is taken.
	Create(ctx context.Context, s *model.FunnelSession) error
	// Get returns the session or NotFound when it is missing or idle past
	// the timeout.
	Get(ctx context.Context, id string) (*model.FunnelSession, error)
	// Save overwrites the session and refreshes its idle clock.
	Save(ctx context.Context, s *model.FunnelSession) error
	Delete(ctx context.Context, id string) error
	// Reap drops idle sessions and returns how many were removed.
	Reap(ctx context.Context) (int, error)
	Close() error
}

func clone(s *model.FunnelSession) *model.FunnelSession {
	c := *s
	c.Selections = append([]string(nil), s.Selections...)
	if s.Context != nil {
		c.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			c.Context[k] = v
		}
	}
	return &c
}
