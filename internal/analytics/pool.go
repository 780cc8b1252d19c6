package analytics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Request asks the pool to derive IV and Greeks for one instrument. Price is
// the observed option price, IV the upstream implied vol when supplied; zero
// means absent for both.
type Request struct {
	Key        string
	Call       bool
	Spot       float64
	Strike     float64
	TYears     float64
	Rate       float64
	Yield      float64
	Price      float64
	IV         float64
	Seq        uint64
	EnqueuedAt time.Time
}

// Outcome is a worker reply. OK is false when the inputs were unusable or no
// in-bounds volatility reproduces the price; callers skip the merge then.
// Elapsed measures queue wait plus compute, so callers can discard results
// that overran their soft deadline.
type Outcome struct {
	Key     string
	Seq     uint64
	Result  Result
	OK      bool
	Elapsed time.Duration
}

// Pool runs derivations on a fixed set of workers behind a bounded queue.
// Submit never blocks: ingestion must not stall on analytics, so a full
// queue sheds the request instead.
type Pool struct {
	requests  chan Request
	results   chan Outcome
	logger    *slog.Logger
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewPool starts workers goroutines. Close releases them.
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		requests: make(chan Request, 256),
		results:  make(chan Outcome, 256),
		logger:   logger.With("component", "analytics"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
	return p
}

// Submit enqueues a derivation without blocking. Returns false when the
// queue is full and the request was shed.
func (p *Pool) Submit(req Request) bool {
	select {
	case p.requests <- req:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Results delivers worker replies. The channel closes after Close once all
// in-flight work has drained.
func (p *Pool) Results() <-chan Outcome {
	return p.results
}

// Dropped reports how many requests or replies were shed so far.
func (p *Pool) Dropped() uint64 {
	return p.dropped.Load()
}

// Close stops accepting requests and lets workers drain. Safe to call twice.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.requests)
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for req := range p.requests {
		res, ok := derive(req)
		out := Outcome{
			Key:     req.Key,
			Seq:     req.Seq,
			Result:  res,
			OK:      ok,
			Elapsed: time.Since(req.EnqueuedAt),
		}
		select {
		case p.results <- out:
		default:
			// Reader stalled: shed the reply, never block the worker.
			p.dropped.Add(1)
		}
	}
}

func derive(req Request) (Result, bool) {
	if req.Spot <= 0 || req.Strike <= 0 {
		return Result{InvalidInputs: true}, false
	}
	if req.TYears <= 0 {
		return Greeks(req.Call, req.Spot, req.Strike, req.TYears, req.Rate, req.Yield, req.IV), true
	}
	sigma := req.IV
	if sigma <= 0 {
		iv, ok := ImpliedVol(req.Call, req.Spot, req.Strike, req.TYears, req.Rate, req.Yield, req.Price)
		if !ok {
			return Result{}, false
		}
		sigma = iv
	}
	return Greeks(req.Call, req.Spot, req.Strike, req.TYears, req.Rate, req.Yield, sigma), true
}
