// Package mock provides a scripted providers.Completer for pipeline tests.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
)

// ErrNoRule is returned when no rule matches and no default is set
var ErrNoRule = errors.New("mock: no scripted response")

// Call records one completion request
type Call struct {
	SystemPrompt string
	UserPrompt   string
}

type rule struct {
	match string
	text  string
	err   error
}

// Completer answers with the first rule whose match text appears in either prompt
type Completer struct {
	mu          sync.Mutex
	rules       []rule
	defaultText *string
	calls       []Call
}

// NewCompleter creates an empty scripted completer
func NewCompleter() *Completer {
	return &Completer{}
}

// On answers text whenever a prompt contains match
func (c *Completer) On(match, text string) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{match: match, text: text})
	return c
}

// OnError fails whenever a prompt contains match
func (c *Completer) OnError(match string, err error) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{match: match, err: err})
	return c
}

// Default answers text when no rule matches
func (c *Completer) Default(text string) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultText = &text
	return c
}

// Complete implements providers.Completer
func (c *Completer) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{SystemPrompt: systemPrompt, UserPrompt: userPrompt})

	if err := ctx.Err(); err != nil {
		return "", err
	}

	for _, r := range c.rules {
		if strings.Contains(systemPrompt, r.match) || strings.Contains(userPrompt, r.match) {
			return r.text, r.err
		}
	}
	if c.defaultText != nil {
		return *c.defaultText, nil
	}
	return "", ErrNoRule
}

// Calls returns a copy of the recorded calls
func (c *Completer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns the number of completions requested
func (c *Completer) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// CallsContaining counts the calls whose prompts contain s
func (c *Completer) CallsContaining(s string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if strings.Contains(call.SystemPrompt, s) || strings.Contains(call.UserPrompt, s) {
			n++
		}
	}
	return n
}

var _ providers.Completer = (*Completer)(nil)
