package ai

import (
	"context"
	"sync"
)

// ScriptedGenerator replays a fixed script of fragments and failures.
type ScriptedGenerator struct {
	Fragments []string
	// OpenErr is returned by Stream and Complete before anything is produced.
	OpenErr error
	// FailAfter > 0 ends the stream with FailErr after that many fragments;
	// FailAfter == 0 with a non-nil FailErr fails before the first fragment.
	FailAfter int
	FailErr   error
	// BeforeFragment, if set, runs before fragment i is sent.
	BeforeFragment func(i int)
	ModelName      string
	Unconfigured   bool

	mu      sync.Mutex
	prompts []string
}

var _ Generator = (*ScriptedGenerator)(nil)

func NewScriptedGenerator(fragments ...string) *ScriptedGenerator {
	return &ScriptedGenerator{Fragments: fragments, ModelName: "scripted"}
}

func (g *ScriptedGenerator) Model() string {
	return g.ModelName
}

func (g *ScriptedGenerator) Configured() bool {
	return !g.Unconfigured
}

// Prompts returns every prompt received so far.
func (g *ScriptedGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func (g *ScriptedGenerator) record(prompt string) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
}

func (g *ScriptedGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	g.record(prompt)
	if g.Unconfigured {
		return "", ErrNotConfigured
	}
	if g.OpenErr != nil {
		return "", g.OpenErr
	}
	if g.FailErr != nil {
		return "", g.FailErr
	}
	var out string
	for _, f := range g.Fragments {
		out += f
	}
	return out, nil
}

func (g *ScriptedGenerator) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	g.record(prompt)
	if g.Unconfigured {
		return nil, ErrNotConfigured
	}
	if g.OpenErr != nil {
		return nil, g.OpenErr
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for i, f := range g.Fragments {
			if g.FailErr != nil && i == g.FailAfter {
				break
			}
			if g.BeforeFragment != nil {
				g.BeforeFragment(i)
			}
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Chunk{Text: f}:
			case <-ctx.Done():
				return
			}
		}
		if g.FailErr != nil {
			select {
			case out <- Chunk{Err: g.FailErr}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
