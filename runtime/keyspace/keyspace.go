// Package keyspace routes Redis keyevent notifications (expired, deleted,
// evicted keys) to registered handlers. The router enables keyevent
// notifications on the server, subscribes on a dedicated connection and
// dispatches each event to every registration whose glob matches the key.
// One misbehaving handler never halts routing.
package keyspace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

// ErrBadPattern reports a glob that cannot be registered.
var ErrBadPattern = errors.New("bad key pattern")

// EventKind is the class of keyspace event, named after the Redis keyevent
// channel suffix.
type EventKind string

const (
	EventExpired EventKind = "expired"
	EventDeleted EventKind = "del"
	EventEvicted EventKind = "evicted"
)

// notifyClasses enables keyevent (E) notifications for generic commands (g),
// expirations (x) and evictions (e).
const notifyClasses = "Egxe"

type (
	// Handler consumes one keyspace event. Errors are logged, never fatal.
	Handler func(ctx context.Context, key string, kind EventKind) error

	// Options configures a Router. Store is required.
	Options struct {
		// Store provides ConfigSet and the subscriber connection.
		Store kv.Store
		// DB is the Redis database index in the keyevent channel names.
		DB int
		// KeyPrefix, when set, is stripped from event keys before matching;
		// events for keys without the prefix are ignored. Set this to the
		// store's environment namespace ("production:") so handlers see
		// logical keys.
		KeyPrefix string
		// Logger records handler failures. Defaults to noop.
		Logger telemetry.Logger
	}

	// Router dispatches keyspace events to pattern-matched handlers. Safe
	// for concurrent use.
	Router struct {
		store     kv.Store
		db        int
		keyPrefix string
		log       telemetry.Logger

		mu   sync.RWMutex
		regs []registration

		runMu   sync.Mutex
		sub     kv.Subscription
		done    chan struct{}
		started bool
	}

	registration struct {
		pattern string
		re      *regexp.Regexp
		kinds   map[EventKind]struct{} // nil matches every kind
		h       Handler
	}
)

// New builds a Router from opts.
func New(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Router{
		store:     opts.Store,
		db:        opts.DB,
		keyPrefix: opts.KeyPrefix,
		log:       opts.Logger,
	}, nil
}

// OnExpired registers h for expired keys matching pattern.
func (r *Router) OnExpired(pattern string, h Handler) error {
	return r.register(pattern, h, EventExpired)
}

// OnDeleted registers h for deleted keys matching pattern.
func (r *Router) OnDeleted(pattern string, h Handler) error {
	return r.register(pattern, h, EventDeleted)
}

// OnEvicted registers h for evicted keys matching pattern.
func (r *Router) OnEvicted(pattern string, h Handler) error {
	return r.register(pattern, h, EventEvicted)
}

// OnAnyEvent registers h for every event kind on keys matching pattern.
func (r *Router) OnAnyEvent(pattern string, h Handler) error {
	return r.register(pattern, h)
}

func (r *Router) register(pattern string, h Handler, kinds ...EventKind) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrBadPattern, pattern)
	}
	re, err := compileGlob(pattern)
	if err != nil {
		return err
	}
	reg := registration{pattern: pattern, re: re, h: h}
	if len(kinds) > 0 {
		reg.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			reg.kinds[k] = struct{}{}
		}
	}
	r.mu.Lock()
	r.regs = append(r.regs, reg)
	r.mu.Unlock()
	return nil
}

// Start enables keyevent notifications and begins routing. It returns once
// the subscription is live; routing continues until Stop or until ctx ends.
func (r *Router) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return errors.New("router already started")
	}
	if err := r.store.ConfigSet(ctx, "notify-keyspace-events", notifyClasses); err != nil {
		return fmt.Errorf("enable keyspace notifications: %w", err)
	}
	sub, err := r.store.Subscribe(ctx, r.channels()...)
	if err != nil {
		return fmt.Errorf("subscribe keyevents: %w", err)
	}
	r.sub = sub
	r.done = make(chan struct{})
	r.started = true
	go r.pump(ctx, sub, r.done)
	return nil
}

// Stop unsubscribes and waits for in-flight dispatches to finish. Safe to
// call once after Start.
func (r *Router) Stop() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.started {
		return nil
	}
	err := r.sub.Close()
	<-r.done
	r.sub = nil
	r.started = false
	return err
}

func (r *Router) channels() []string {
	base := "__keyevent@" + strconv.Itoa(r.db) + "__:"
	return []string{base + string(EventExpired), base + string(EventDeleted), base + string(EventEvicted)}
}

func (r *Router) pump(ctx context.Context, sub kv.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg kv.Message) {
	kind := EventKind(msg.Channel[strings.LastIndexByte(msg.Channel, ':')+1:])
	key := msg.Payload
	if r.keyPrefix != "" {
		if !strings.HasPrefix(key, r.keyPrefix) {
			return
		}
		key = strings.TrimPrefix(key, r.keyPrefix)
	}

	r.mu.RLock()
	regs := make([]registration, len(r.regs))
	copy(regs, r.regs)
	r.mu.RUnlock()

	for _, reg := range regs {
		if reg.kinds != nil {
			if _, ok := reg.kinds[kind]; !ok {
				continue
			}
		}
		if !reg.re.MatchString(key) {
			continue
		}
		r.invoke(ctx, reg, key, kind)
	}
}

// invoke shields routing from one handler's failure.
func (r *Router) invoke(ctx context.Context, reg registration, key string, kind EventKind) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error(ctx, "keyspace handler panicked",
				"pattern", reg.pattern, "key", key, "kind", string(kind), "panic", fmt.Sprint(p))
		}
	}()
	if err := reg.h(ctx, key, kind); err != nil {
		r.log.Error(ctx, "keyspace handler failed",
			"pattern", reg.pattern, "key", key, "kind", string(kind), "err", err.Error())
	}
}

// compileGlob translates a glob with '*' and '?' wildcards into an anchored
// regular expression.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	var b strings.Builder
	b.WriteByte('^')
	for _, c := range pattern {
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadPattern, pattern, err)
	}
	return re, nil
}
