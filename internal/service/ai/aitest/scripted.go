// Package aitest provides a scripted Completer for tests.
package aitest

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/mission-mentor/backend/internal/service/ai"
)

// Step scripts one call. A zero Step echoes a canned reply.
type Step struct {
	Reply string
	Err   error
	// Block waits for ctx to end before returning, simulating a hung backend.
	Block bool
	Delay time.Duration
}

// Scripted replays Steps in order and records every request. Once the script
// runs out it keeps answering with Default.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []ai.Request
	Default  string
	// Respond, when set, builds the reply for unscripted calls.
	Respond func(req ai.Request) string
}

// New returns a Scripted completer.
func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps, Default: "mentor reply"}
}

// Push appends more steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	s.steps = append(s.steps, steps...)
	s.mu.Unlock()
}

func (s *Scripted) Complete(ctx context.Context, req ai.Request) (*schema.Message, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	step := Step{Reply: s.Default}
	if s.Respond != nil {
		step.Reply = s.Respond(req)
	}
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	reply := step.Reply
	if reply == "" {
		reply = s.Default
	}
	return schema.AssistantMessage(reply, nil), nil
}

// EchoLastUser replies with "re: " plus the final message of the request.
func EchoLastUser(req ai.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return "re: " + req.Messages[len(req.Messages)-1].Content
}

// Calls reports how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every recorded request.
func (s *Scripted) Requests() []ai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ai.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Last returns the most recent request.
func (s *Scripted) Last() (ai.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return ai.Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}
