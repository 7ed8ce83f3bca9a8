package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stellarlinkco/ambient/internal/gateway"
)

type fakeAgent struct {
	err  error
	got  gateway.AgentParams
	hits int
}

func (f *fakeAgent) Agent(_ context.Context, p gateway.AgentParams) (*gateway.Response, error) {
	f.hits++
	f.got = p
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Response{Payload: []byte(`{"status":"ok"}`)}, nil
}

type fakeHooks struct {
	err  error
	sent []string
}

func (f *fakeHooks) Send(_ context.Context, message string) error {
	f.sent = append(f.sent, message)
	return f.err
}

func TestDispatcher_GatewayFirst(t *testing.T) {
	agent, hooks := &fakeAgent{}, &fakeHooks{}
	d := NewDispatcher(agent, hooks, "agent:main:ambient")

	route, err := d.Deliver(context.Background(), "hello")
	if err != nil || route != RouteGateway {
		t.Fatalf("route = %q, err = %v", route, err)
	}
	if agent.got.Message != "hello" || agent.got.SessionKey != "agent:main:ambient" || !agent.got.Deliver {
		t.Errorf("agent params = %+v", agent.got)
	}
	if len(hooks.sent) != 0 {
		t.Error("hooks used although gateway succeeded")
	}
}

func TestDispatcher_FallsBackToHooks(t *testing.T) {
	agent := &fakeAgent{err: gateway.ErrDisconnected}
	hooks := &fakeHooks{}
	d := NewDispatcher(agent, hooks, "")

	route, err := d.Deliver(context.Background(), "hello")
	if err != nil || route != RouteHooks {
		t.Fatalf("route = %q, err = %v", route, err)
	}
	if len(hooks.sent) != 1 || hooks.sent[0] != "hello" {
		t.Errorf("hooks sent = %q", hooks.sent)
	}
}

func TestDispatcher_Failures(t *testing.T) {
	if _, err := NewDispatcher(nil, nil, "").Deliver(context.Background(), "x"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}

	_, err := NewDispatcher(&fakeAgent{err: gateway.ErrCircuitOpen}, nil, "").Deliver(context.Background(), "x")
	if !errors.Is(err, gateway.ErrCircuitOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}

	_, err = NewDispatcher(&fakeAgent{err: gateway.ErrNotConnected}, &fakeHooks{err: errors.New("hook http 500")}, "").
		Deliver(context.Background(), "x")
	if !errors.Is(err, gateway.ErrNotConnected) || !strings.Contains(err.Error(), "hook http 500") {
		t.Errorf("err = %v, want both failures", err)
	}
}
