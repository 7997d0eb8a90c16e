package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned once a ScriptedProvider has no steps left.
var ErrScriptExhausted = errors.New("scripted provider has no more steps")

// Step is one scripted reply.
type Step struct {
	Response *Response
	Err      error
	// Hook runs before the step is returned; it may block on ctx.
	Hook func(ctx context.Context, request Request) error
}

// ScriptedProvider replays steps in order. It is meant for tests and
// local runs without credentials.
type ScriptedProvider struct {
	name string

	mu       sync.Mutex
	steps    []Step
	requests []Request
}

// NewScriptedProvider returns a provider that replays steps.
func NewScriptedProvider(name string, steps ...Step) *ScriptedProvider {
	if name == "" {
		name = "scripted"
	}
	return &ScriptedProvider{name: name, steps: steps}
}

// Reply is a Step answering with text.
func Reply(text string) Step {
	return Step{Response: &Response{Content: text}}
}

// CallTool is a Step requesting tool calls.
func CallTool(calls ...ToolCall) Step {
	return Step{Response: &Response{ToolCalls: calls}}
}

// Fail is a Step returning err.
func Fail(err error) Step {
	return Step{Err: err}
}

func (p *ScriptedProvider) Name() string { return p.name }

// Push appends steps.
func (p *ScriptedProvider) Push(steps ...Step) {
	p.mu.Lock()
	p.steps = append(p.steps, steps...)
	p.mu.Unlock()
}

func (p *ScriptedProvider) Call(ctx context.Context, request Request) (*Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, request)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()

	if step.Hook != nil {
		if err := step.Hook(ctx, request); err != nil {
			return nil, err
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Requests returns the requests seen so far.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Remaining returns the number of unplayed steps.
func (p *ScriptedProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}
