package relay

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/proto"
	"github.com/SWAI-Ltd/sovereign/internal/telemetry"
)

// job carries one inbound frame through the pipeline. Fields other than in
// and start are written by prepare and read by the engine goroutine after
// done is closed.
type job struct {
	in    Inbound
	start time.Time

	frame   *proto.Frame
	err     error
	vowOK   bool
	msg     envelope.Message
	openErr error

	done chan struct{}
}

func newJob(in Inbound) *job {
	return &job{in: in, start: time.Now(), done: make(chan struct{})}
}

// Run consumes inbound until it is closed or ctx is cancelled. Frames are
// prepared concurrently (at most Workers at a time) and applied strictly in
// arrival order. Maintenance runs on the same goroutine as apply.
func (e *Engine) Run(ctx context.Context, inbound <-chan Inbound) error {
	queue := make(chan *job, e.cfg.Workers*4)
	sem := semaphore.NewWeighted(int64(e.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case in, ok := <-inbound:
				if !ok {
					return nil
				}
				if derr := e.admit(in); derr != nil {
					e.drop(derr)
					continue
				}
				j := newJob(in)
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				go func() {
					defer sem.Release(1)
					defer close(j.done)
					e.prepare(j)
				}()
				select {
				case queue <- j:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		var tick <-chan time.Time
		if e.cfg.MaintenanceInterval > 0 {
			t := time.NewTicker(e.cfg.MaintenanceInterval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tick:
				e.Maintain(e.now())
			case j, ok := <-queue:
				if !ok {
					return nil
				}
				select {
				case <-j.done:
				case <-gctx.Done():
					return gctx.Err()
				}
				_ = e.finish(j)
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// prepare does the stateless work for a frame: decoding, signature checks and
// a speculative open. Its results are discarded by apply if the sender turns
// out not to be trusted.
func (e *Engine) prepare(j *job) {
	f, err := proto.Unmarshal(j.in.Data)
	if err != nil {
		j.err = err
		return
	}
	j.frame = f
	switch f.Type {
	case proto.FrameTypeVow:
		j.vowOK = e.verifier.Verify(f.Vow)
	case proto.FrameTypeEnvelope:
		if f.Envelope.Vow != nil {
			j.vowOK = e.verifier.Verify(f.Envelope.Vow)
		}
		j.msg, j.openErr = e.codec.Open(f.Envelope.Envelope, e.cfg.Keys)
	}
}

// finish applies a prepared job. It must only be called from one goroutine
// at a time.
func (e *Engine) finish(j *job) error {
	<-j.done
	derr := e.apply(j)
	telemetry.FrameDuration.Observe(time.Since(j.start).Seconds())
	if derr != nil {
		e.drop(derr)
		return derr
	}
	return nil
}

func (e *Engine) admit(in Inbound) *Error {
	if e.limiter != nil && !e.limiter.allow(in.From) {
		return dropErr(KindRateLimited, nil, in.From, errRateLimited)
	}
	return nil
}

// limiter keeps a token bucket per transport address. The table is bounded;
// the least recently seen address loses its bucket first.
type limiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	table *lru.Cache
}

func newLimiter(perSecond float64, burst, size int) (*limiter, error) {
	table, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &limiter{limit: rate.Limit(perSecond), burst: burst, table: table}, nil
}

func (l *limiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.table.Get(addr); ok {
		return v.(*rate.Limiter).Allow()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.table.Add(addr, lim)
	return lim.Allow()
}
