package metrics

import (
	"context"
	"fmt"
	"io"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
)

// Sink receives batches of Samples. The default sink writes a simple
// line-protocol to an io.Writer; operators wanting a real metrics
// backend (statsd, Prometheus pushgateway, ...) supply their own.
type Sink interface {
	Publish(ctx context.Context, samples []Sample) error
}

// WriterSink formats each Sample as "name value\n" to w.
type WriterSink struct{ W io.Writer }

func (s WriterSink) Publish(_ context.Context, samples []Sample) error {
	for _, sample := range samples {
		if _, err := fmt.Fprintf(s.W, "%s %v\n", sample.Name, sample.Value); err != nil {
			return err
		}
	}
	return nil
}

// Publisher periodically snapshots a Registry and hands the batch to
// a Sink through a microbatch.Batcher, keeping the external I/O of
// "publish as a metric gauge" off the single cooperative Loop
// goroutine: coalescing many small writes into fewer round trips, on
// their own goroutine.
type Publisher struct {
	registry *Registry
	batcher  *microbatch.Batcher[Sample]
	stop     chan struct{}
	done     chan struct{}
}

// NewPublisher starts a Publisher that samples registry every interval
// and forwards the batch to sink.
func NewPublisher(registry *Registry, sink Sink, interval time.Duration) *Publisher {
	batcher := microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       64,
		FlushInterval: 100 * time.Millisecond,
	}, func(ctx context.Context, samples []Sample) error {
		return sink.Publish(ctx, samples)
	})

	p := &Publisher{
		registry: registry,
		batcher:  batcher,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run(interval)
	return p
}

func (p *Publisher) run(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for _, sample := range p.registry.Snapshot() {
				_, _ = p.batcher.Submit(context.Background(), sample)
			}
		}
	}
}

// Close stops sampling and drains the Batcher.
func (p *Publisher) Close() error {
	close(p.stop)
	<-p.done
	return p.batcher.Close()
}
