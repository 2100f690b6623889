// Package streamutil provides streaming pipeline utilities shared by the
// relay and transport layers. It consolidates goroutine lifecycle, chunk
// fan-in, and completion accounting behind a single channel.
package streamutil

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chunk is one unit of streamed data: either framed SSE bytes headed for
// the client or a terminal error.
type Chunk struct {
	Data []byte
	Err  error
}

// Pipeline manages one relayed response stream. Producer goroutines read
// the upstream and push translated events; the HTTP handler drains Output
// and writes to the client. Uses errgroup so a producer error cancels the
// whole stream.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Chunk

	onChunk    func(Chunk)
	onComplete func(success bool, elapsed time.Duration)
	onError    func(error)

	startTime time.Time
	mu        sync.Mutex
	completed bool
	hasError  bool
}

// PipelineConfig holds configuration for creating a new pipeline.
type PipelineConfig struct {
	// BufferSize for the output channel (default: 64)
	BufferSize int

	// OnChunk is called for each chunk passing through. Used by the usage
	// layer to count relayed bytes.
	OnChunk func(Chunk)

	// OnComplete is called exactly once when the pipeline finishes.
	OnComplete func(success bool, elapsed time.Duration)

	// OnError is called when a producer reports an error.
	OnError func(error)
}

// NewPipeline creates a streaming pipeline bound to the request context.
func NewPipeline(parent context.Context, cfg PipelineConfig) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)

	return &Pipeline{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan Chunk, cfg.BufferSize),
		onChunk:    cfg.OnChunk,
		onComplete: cfg.OnComplete,
		onError:    cfg.OnError,
		startTime:  time.Now(),
	}
}

// Context returns the pipeline's context. Producers must honor it.
func (p *Pipeline) Context() context.Context {
	return p.ctx
}

// Output returns the read-only output channel. It is closed after all
// producers finish.
func (p *Pipeline) Output() <-chan Chunk {
	return p.output
}

// Go starts a producer goroutine. If f returns an error, every other
// goroutine in the group is cancelled.
func (p *Pipeline) Go(f func(ctx context.Context) error) {
	p.group.Go(func() error {
		return f(p.ctx)
	})
}

// Send pushes a chunk to the output channel. Returns false if the stream
// was cancelled before the chunk could be delivered.
func (p *Pipeline) Send(chunk Chunk) bool {
	if chunk.Err != nil {
		p.mu.Lock()
		p.hasError = true
		p.mu.Unlock()
		if p.onError != nil {
			p.onError(chunk.Err)
		}
	}

	if p.onChunk != nil {
		p.onChunk(chunk)
	}

	select {
	case p.output <- chunk:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// SendData sends event bytes.
func (p *Pipeline) SendData(data []byte) bool {
	return p.Send(Chunk{Data: data})
}

// SendError sends a terminal error.
func (p *Pipeline) SendError(err error) bool {
	return p.Send(Chunk{Err: err})
}

// Close waits for all producers, closes the output channel, and fires the
// completion callback once. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return nil
	}
	p.completed = true
	p.mu.Unlock()

	err := p.group.Wait()
	close(p.output)

	// Read the error flag only after every producer has finished; a
	// SendError racing an early snapshot would go unseen.
	p.mu.Lock()
	hasError := p.hasError
	p.mu.Unlock()

	if p.onComplete != nil {
		success := err == nil && !hasError
		p.onComplete(success, time.Since(p.startTime))
	}

	p.cancel()
	return err
}

// Cancel aborts the stream immediately. Used for misroute aborts and
// client disconnects.
func (p *Pipeline) Cancel() {
	p.cancel()
}

// Start launches a background goroutine that closes the pipeline after all
// producers finish, so consumers can detect completion via channel close.
func (p *Pipeline) Start() {
	go func() {
		_ = p.Close()
	}()
}
