// Package middleware provides reusable provider.Caller middlewares such as
// adaptive request pacing.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
	"goa.design/relay/runtime/provider"
	"goa.design/relay/runtime/telemetry"
)

const (
	// defaultTPM is the budget used when Options does not provide one.
	defaultTPM = 60000

	// charsPerToken approximates tokens from transcript length. Counting
	// runes keeps the estimate stable for Korean transcripts, where one
	// character spans three bytes.
	charsPerToken = 3

	// frameReserve covers provider framing plus the completion when the
	// request does not cap output tokens.
	frameReserve = 500

	// shrinkFactor and growFraction set the AIMD shape: halve the budget on
	// a rate limit signal, recover five percent of the initial budget per
	// success. floorFraction bounds how far repeated signals can shrink it.
	shrinkFactor  = 0.5
	growFraction  = 0.05
	floorFraction = 0.1

	// publish gives up after a few lost races; the next signal tries again.
	publishAttempts = 3
	publishTimeout  = 2 * time.Second
)

type (
	// Options configures an AdaptiveRateLimiter.
	Options struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// defaultTPM.
		InitialTPM float64
		// MaxTPM caps recovery. Values below InitialTPM are raised to it.
		MaxTPM float64
		// Map, with Key, shares the budget across the fleet through a Pulse
		// replicated map. Nil paces this process only.
		Map *rmap.Map
		// Key names the shared budget entry, typically the provider name.
		Key string
		// Logger receives budget moves. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts backoffs. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// AdaptiveRateLimiter paces outbound provider calls with an AIMD token
	// bucket. It estimates the token cost of each request, blocks callers
	// until the budget covers it, halves the budget when the provider rate
	// limits and recovers it gradually on success.
	//
	// The pacer is advisory: it slows a busy process down before the shared
	// Redis windows start denying. Construct one per provider and wrap the
	// caller with Middleware.
	AdaptiveRateLimiter struct {
		mu     sync.Mutex
		bucket *rate.Limiter
		tpm    float64

		floor   float64
		ceiling float64
		step    float64

		// fleet mirrors budget moves to the replicated map; nil when the
		// pacer is process-local. Set before the limiter escapes the
		// constructor, never after.
		fleet *coordinator

		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	pacedCaller struct {
		next  provider.Caller
		pacer *AdaptiveRateLimiter
	}

	// budgetMap is the subset of rmap.Map the coordinator uses.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// coordinator publishes local budget moves to the replicated map and
	// adopts moves other processes publish.
	coordinator struct {
		m       budgetMap
		key     string
		floor   float64
		ceiling float64
		step    float64
	}
)

var _ provider.Caller = (*pacedCaller)(nil)

// New constructs an AdaptiveRateLimiter. With Map and Key set, processes
// sharing the map converge on one budget: a rate limit signal anywhere
// shrinks it everywhere.
func New(ctx context.Context, opts Options) *AdaptiveRateLimiter {
	if opts.Map == nil || opts.Key == "" {
		return newLocal(opts)
	}
	return newFleet(ctx, opts.Map, opts)
}

func newLocal(opts Options) *AdaptiveRateLimiter {
	initial := opts.InitialTPM
	if initial <= 0 {
		initial = defaultTPM
	}
	ceiling := opts.MaxTPM
	if ceiling < initial {
		ceiling = initial
	}
	l := &AdaptiveRateLimiter{
		bucket:  rate.NewLimiter(rate.Limit(initial/60), int(initial)),
		tpm:     initial,
		floor:   max(initial*floorFraction, 1),
		ceiling: ceiling,
		step:    max(initial*growFraction, 1),
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if l.log == nil {
		l.log = telemetry.NewNoopLogger()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NewNoopMetrics()
	}
	return l
}

func newFleet(ctx context.Context, m budgetMap, opts Options) *AdaptiveRateLimiter {
	initial := opts.InitialTPM
	if initial <= 0 {
		initial = defaultTPM
	}
	if _, ok := m.Get(opts.Key); !ok {
		if _, err := m.SetIfNotExists(ctx, opts.Key, strconv.Itoa(int(initial))); err != nil {
			// The shared budget is advisory; pace locally rather than fail.
			if opts.Logger != nil {
				opts.Logger.Warn(ctx, "budget map seed failed, pacing locally",
					"key", opts.Key, "err", err.Error())
			}
			return newLocal(opts)
		}
	}

	// Another process may have moved the budget already; start from the
	// shared value so a fresh process does not out-pace the fleet.
	if cur, ok := m.Get(opts.Key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			opts.InitialTPM = v
		}
	}

	l := newLocal(opts)
	l.fleet = &coordinator{
		m:       m,
		key:     opts.Key,
		floor:   l.floor,
		ceiling: l.ceiling,
		step:    l.step,
	}
	go l.fleet.follow(l)
	return l
}

// Middleware returns a provider.Caller middleware enforcing the adaptive
// budget on Complete calls.
func (l *AdaptiveRateLimiter) Middleware() func(provider.Caller) provider.Caller {
	return func(next provider.Caller) provider.Caller {
		if next == nil {
			return nil
		}
		return &pacedCaller{next: next, pacer: l}
	}
}

// TPM reports the current effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

// apply moves the budget to f(current) clamped to [floor, ceiling] and
// resizes the bucket. It reports the resulting budget and whether it moved.
func (l *AdaptiveRateLimiter) apply(f func(float64) float64) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := min(max(f(l.tpm), l.floor), l.ceiling)
	if next == l.tpm {
		return l.tpm, false
	}
	l.tpm = next
	l.bucket.SetLimit(rate.Limit(next / 60))
	l.bucket.SetBurst(int(next))
	return next, true
}

// observe feeds one call outcome back into the budget: success grows it one
// step, a rate limit signal halves it. Other failures leave it alone. Moves
// replicate to the fleet when a coordinator is attached.
func (l *AdaptiveRateLimiter) observe(ctx context.Context, name string, err error) {
	if err == nil {
		if _, moved := l.apply(func(cur float64) float64 { return cur + l.step }); moved && l.fleet != nil {
			go l.fleet.raise()
		}
		return
	}
	if !provider.IsRateLimited(err) {
		return
	}
	next, moved := l.apply(func(cur float64) float64 { return cur * shrinkFactor })
	if !moved {
		return
	}
	l.metrics.IncCounter(telemetry.MetricProviderBackoffs, 1, "provider", name, "layer", "pacer")
	l.log.Warn(ctx, "pacing budget halved", "provider", name, "tpm", int(next))
	if l.fleet != nil {
		go l.fleet.lower()
	}
}

// Name reports the wrapped caller's provider name.
func (p *pacedCaller) Name() string { return p.next.Name() }

// Complete blocks until the budget covers the request estimate, then
// delegates and feeds the outcome back into the budget.
func (p *pacedCaller) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	if err := p.pacer.bucket.WaitN(ctx, estimateCost(req)); err != nil {
		return provider.Response{}, err
	}
	resp, err := p.next.Complete(ctx, req)
	p.pacer.observe(ctx, p.next.Name(), err)
	return resp, err
}

// estimateCost approximates the token cost of one call: the transcript at
// charsPerToken runes per token plus the completion reservation. Requests
// that do not cap output tokens reserve frameReserve.
func estimateCost(req provider.Request) int {
	runes := 0
	for _, m := range req.Messages {
		runes += utf8.RuneCountInString(m.Content)
	}
	reserve := int(req.MaxTokens)
	if reserve <= 0 {
		reserve = frameReserve
	}
	return max(runes/charsPerToken, 1) + reserve
}

// follow adopts budget moves other processes publish. Runs until the map
// subscription closes.
func (c *coordinator) follow(l *AdaptiveRateLimiter) {
	for range c.m.Subscribe() {
		cur, ok := c.m.Get(c.key)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(cur, 64)
		if err != nil || v <= 0 {
			continue
		}
		if tpm, moved := l.apply(func(float64) float64 { return v }); moved {
			l.log.Debug(context.Background(), "adopted fleet pacing budget",
				"key", c.key, "tpm", int(tpm))
		}
	}
}

func (c *coordinator) lower() {
	c.publish(func(cur float64) float64 { return cur * shrinkFactor })
}

func (c *coordinator) raise() {
	c.publish(func(cur float64) float64 { return cur + c.step })
}

// publish compare-and-swaps the shared budget to f(shared) clamped to the
// coordinator bounds, retrying a bounded number of times when another
// process wins the race.
func (c *coordinator) publish(f func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	for range publishAttempts {
		curStr, ok := c.m.Get(c.key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := min(max(f(cur), c.floor), c.ceiling)
		if next == cur {
			return
		}
		prev, err := c.m.TestAndSet(ctx, c.key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}
