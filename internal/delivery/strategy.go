package delivery

import (
	"context"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/session"
)

// Strategy names used in configuration, metrics and logs.
const (
	StrategyRPC = "rpc"
	StrategyUI  = "ui"
)

// Strategy delivers one record into the container described by a session
// snapshot. Implementations report every failure through the Outcome;
// they do not return errors.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, rec content.Record, st session.State) Outcome
}

// Order returns the strategies with the preferred one first. Unknown
// names leave the given order unchanged.
func Order(preferred string, strategies ...Strategy) []Strategy {
	out := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil && s.Name() == preferred {
			out = append(out, s)
		}
	}
	for _, s := range strategies {
		if s != nil && s.Name() != preferred {
			out = append(out, s)
		}
	}
	return out
}
