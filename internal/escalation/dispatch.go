package escalation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/gateway"
	"github.com/stellarlinkco/ambient/internal/logger"
)

// Route names the path a delivered escalation took.
type Route string

const (
	RouteGateway Route = "gateway"
	RouteHooks   Route = "hooks"
)

var ErrNoRoute = errors.New("escalation: no delivery route configured")

// AgentCaller is the gateway RPC surface the dispatcher needs.
type AgentCaller interface {
	Agent(ctx context.Context, p gateway.AgentParams) (*gateway.Response, error)
}

// HookSender is the HTTP fallback surface.
type HookSender interface {
	Send(ctx context.Context, message string) error
}

// Sender delivers one escalation message.
type Sender interface {
	Deliver(ctx context.Context, message string) (Route, error)
}

// Dispatcher sends through the gateway and falls back to the hooks endpoint
// on any gateway error.
type Dispatcher struct {
	agent      AgentCaller
	hooks      HookSender
	sessionKey string
	log        zerolog.Logger
}

// NewDispatcher accepts nil for either route. Pass an untyped nil, not a nil
// *gateway.Client.
func NewDispatcher(agent AgentCaller, hooks HookSender, sessionKey string) *Dispatcher {
	return &Dispatcher{
		agent:      agent,
		hooks:      hooks,
		sessionKey: sessionKey,
		log:        logger.Component("dispatch"),
	}
}

func (d *Dispatcher) Deliver(ctx context.Context, message string) (Route, error) {
	if d.agent == nil && d.hooks == nil {
		return "", ErrNoRoute
	}

	var gwErr error
	if d.agent != nil {
		var resp *gateway.Response
		resp, gwErr = d.agent.Agent(ctx, gateway.AgentParams{
			Message:    message,
			SessionKey: d.sessionKey,
			Deliver:    true,
		})
		if gwErr == nil {
			d.log.Debug().Bool("accepted", resp != nil && len(resp.Accepted) > 0).Msg("delivered via gateway")
			return RouteGateway, nil
		}
		if d.hooks == nil {
			return RouteGateway, fmt.Errorf("gateway: %w", gwErr)
		}
		d.log.Warn().Err(gwErr).Msg("gateway delivery failed, falling back to hooks")
	}

	if err := d.hooks.Send(ctx, message); err != nil {
		if gwErr != nil {
			return RouteHooks, errors.Join(fmt.Errorf("gateway: %w", gwErr), fmt.Errorf("hooks: %w", err))
		}
		return RouteHooks, fmt.Errorf("hooks: %w", err)
	}
	return RouteHooks, nil
}
