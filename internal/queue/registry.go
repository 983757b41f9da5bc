package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Definition describes one named queue.
type Definition struct {
	Name       string
	Visibility time.Duration
	Delay      time.Duration
	// DeadLetter names the queue that receives exhausted messages. A name
	// without its own Definition gets a queue with default settings.
	DeadLetter string
	MaxRetries int
}

// BuildRegistry builds one engine per definition, plus one for every
// dead-letter target that is not defined, over stores returned by open.
func BuildRegistry(defs []Definition, open func(name string) (Store, error), obs Observer) (map[string]*Engine, error) {
	if len(defs) == 0 {
		return nil, invalid("queues", "at least one queue is required")
	}

	all := make([]Definition, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, invalid("queues.name", "is required")
		}
		if seen[d.Name] {
			return nil, invalid("queues.name", fmt.Sprintf("duplicate queue %q", d.Name))
		}
		if d.DeadLetter == d.Name {
			return nil, invalid("queues.dead_letter", fmt.Sprintf("queue %q cannot dead-letter into itself", d.Name))
		}
		seen[d.Name] = true
		all = append(all, d)
	}
	for _, d := range defs {
		if d.DeadLetter != "" && !seen[d.DeadLetter] {
			seen[d.DeadLetter] = true
			all = append(all, Definition{Name: d.DeadLetter})
		}
	}

	engines := make(map[string]*Engine, len(all))
	for _, d := range all {
		s, err := open(d.Name)
		if err != nil {
			return nil, fmt.Errorf("open store for queue %q: %w", d.Name, err)
		}

		cfg := Config{
			Name:       d.Name,
			Visibility: d.Visibility,
			Delay:      d.Delay,
			MaxRetries: d.MaxRetries,
			Observer:   obs,
		}
		if d.DeadLetter != "" {
			cfg.DeadLetter = registrySink{engines: engines, name: d.DeadLetter}
		}

		e, err := New(s, cfg)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", d.Name, err)
		}
		engines[d.Name] = e
	}
	return engines, nil
}

// registrySink resolves its target at call time, so definitions may refer to
// queues built after them.
type registrySink struct {
	engines map[string]*Engine
	name    string
}

func (r registrySink) Enqueue(ctx context.Context, payloads []json.RawMessage, opts EnqueueOptions) ([]string, error) {
	e, ok := r.engines[r.name]
	if !ok {
		return nil, fmt.Errorf("dead-letter queue %q not registered", r.name)
	}
	return e.Enqueue(ctx, payloads, opts)
}
