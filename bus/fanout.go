package bus

import (
	"context"
	"errors"
	"sync"
)

// Fanout publishes every message to all of its publishers.
// It returns the joined errors of the publishers that failed.
type Fanout struct {
	publishers []Publisher
}

var _ Publisher = (*Fanout)(nil)

// NewFanout creates a Fanout. Nil publishers are skipped.
func NewFanout(publishers ...Publisher) *Fanout {
	f := &Fanout{}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Add appends a publisher.
func (f *Fanout) Add(p Publisher) {
	f.publishers = append(f.publishers, p)
}

// Len returns the number of publishers.
func (f *Fanout) Len() int {
	return len(f.publishers)
}

// Publish sends msg to every publisher concurrently.
func (f *Fanout) Publish(ctx context.Context, msg Message) error {
	if len(f.publishers) == 1 {
		return f.publishers[0].Publish(ctx, msg)
	}

	errs := make([]error, len(f.publishers))
	var wg sync.WaitGroup
	for i, p := range f.publishers {
		wg.Add(1)
		go func(i int, p Publisher) {
			defer wg.Done()
			errs[i] = p.Publish(ctx, msg)
		}(i, p)
	}
	wg.Wait()

	return errors.Join(errs...)
}
