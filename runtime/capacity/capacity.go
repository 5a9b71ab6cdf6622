// Package capacity tracks per-account sliding usage windows in the keyed
// store: requests per minute (RPM), tokens per minute (TPM) and input tokens
// per minute (ITPM). Windows are sorted sets whose members carry the sampled
// amount, pruned and summed atomically by stored scripts, so every process in
// the fleet sees the same headroom.
//
// Cache-served requests are billed differently by the backends, so a
// cache-read sample contributes only a tenth of its tokens to TPM and nothing
// to ITPM.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

type (
	// Options configures the tracker. Store is required.
	Options struct {
		// Store is the shared keyed store holding the windows.
		Store kv.Store
		// Window is the sliding window length. Defaults to one minute, which
		// is what the tier limits are denominated in.
		Window time.Duration
		// Logger records degraded reads. Defaults to noop.
		Logger telemetry.Logger
	}

	// Tracker records samples and answers headroom questions. Safe for
	// concurrent use.
	Tracker struct {
		store  kv.Store
		window time.Duration
		log    telemetry.Logger
	}

	// Sample is one request's token footprint.
	Sample struct {
		// Tokens is the request's total token count, input plus output.
		Tokens int64
		// InputTokens is the prompt-side token count.
		InputTokens int64
		// CacheRead marks a request served from the provider's prompt cache.
		CacheRead bool
	}

	// Snapshot is an account's current window usage.
	Snapshot struct {
		RPMUsed  int64
		TPMUsed  int64
		ITPMUsed int64
	}
)

// keyPrefix namespaces capacity windows in the keyed store.
const keyPrefix = "capacity:"

// cacheReadPercent is the share of a cache-read sample's tokens that still
// counts toward TPM.
const cacheReadPercent = 10

// Window metric names, also the key suffixes.
const (
	metricRPM  = "rpm"
	metricTPM  = "tpm"
	metricITPM = "itpm"
)

// recordScript prunes all three windows and appends one sample to each.
// KEYS = {rpm, tpm, itpm}; ARGV = {nowMs, windowMs, nonce, tpmAmount,
// itpmAmount}. Members are "<nowMs>:<nonce>:<amount>" so sums survive
// concurrent writers in the same millisecond.
const recordScript = `
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])

local function add(key, amount)
	redis.call("ZREMRANGEBYSCORE", key, 0, cutoff)
	if tonumber(amount) > 0 then
		redis.call("ZADD", key, ARGV[1], ARGV[1] .. ":" .. ARGV[3] .. ":" .. amount)
	end
	redis.call("PEXPIRE", key, ARGV[2])
end

add(KEYS[1], "1")
add(KEYS[2], ARGV[4])
add(KEYS[3], ARGV[5])
return 1
`

// sumScript prunes each window then sums the amounts encoded in the member
// tails. Returns one total per key, in KEYS order.
const sumScript = `
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
local out = {}
for i, key in ipairs(KEYS) do
	redis.call("ZREMRANGEBYSCORE", key, 0, cutoff)
	local total = 0
	for _, m in ipairs(redis.call("ZRANGE", key, 0, -1)) do
		total = total + (tonumber(string.match(m, "([^:]+)$")) or 0)
	end
	out[i] = total
end
return out
`

// New builds a tracker from opts.
func New(opts Options) (*Tracker, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Tracker{store: opts.Store, window: opts.Window, log: opts.Logger}, nil
}

// Record advances the account's windows with one sample: RPM by one, TPM by
// the sample's tokens (discounted to 10% on cache reads) and ITPM by the
// input tokens (zero on cache reads).
func (t *Tracker) Record(ctx context.Context, accountID string, s Sample) error {
	tpm, itpm := s.Tokens, s.InputTokens
	if s.CacheRead {
		tpm = s.Tokens * cacheReadPercent / 100
		itpm = 0
	}
	now := time.Now().UnixMilli()
	_, err := t.store.Eval(ctx, recordScript, t.keys(accountID),
		now, t.window.Milliseconds(), uuid.NewString(), tpm, itpm,
	)
	if err != nil {
		return fmt.Errorf("record capacity for %q: %w", accountID, err)
	}
	return nil
}

// HasCapacity reports whether the account has headroom for one more request
// of estimatedTokens across all three windows. Store failures degrade open:
// a tracker that cannot read its windows never blocks selection.
func (t *Tracker) HasCapacity(ctx context.Context, acct *account.Account, estimatedTokens int64) bool {
	used, ok := t.sum(ctx, acct.ID)
	if !ok {
		return true
	}
	limits := acct.Tier.Limits()
	return used.RPMUsed+1 <= limits.RPM &&
		used.TPMUsed+estimatedTokens <= limits.TPM &&
		used.ITPMUsed+estimatedTokens <= limits.ITPM
}

// Usage returns the account's current window usage. This is the
// introspection path: it reads the windows with plain verbs and degrades to
// a zero snapshot when the store is unreachable.
func (t *Tracker) Usage(ctx context.Context, accountID string) Snapshot {
	cutoff := strconv.FormatInt(time.Now().Add(-t.window).UnixMilli(), 10)
	var snap Snapshot
	for i, key := range t.keys(accountID) {
		if _, err := t.store.ZRemRangeByScore(ctx, key, "0", cutoff); err != nil {
			t.log.Warn(ctx, "capacity prune failed", "key", key, "err", err.Error())
		}
		members, err := t.store.ZRangeByScore(ctx, key, "-inf", "+inf")
		if err != nil {
			return Snapshot{}
		}
		total := sumMembers(members)
		switch i {
		case 0:
			snap.RPMUsed = total
		case 1:
			snap.TPMUsed = total
		case 2:
			snap.ITPMUsed = total
		}
	}
	return snap
}

// UsageBatch returns snapshots for many accounts in one store round-trip.
// Unknown accounts report zero usage; so does the whole batch when the store
// is unreachable.
func (t *Tracker) UsageBatch(ctx context.Context, accountIDs []string) map[string]Snapshot {
	out := make(map[string]Snapshot, len(accountIDs))
	if len(accountIDs) == 0 {
		return out
	}
	keys := make([]string, 0, len(accountIDs)*3)
	for _, id := range accountIDs {
		keys = append(keys, t.keys(id)...)
	}
	totals, ok := t.evalSums(ctx, keys)
	if !ok || len(totals) != len(keys) {
		for _, id := range accountIDs {
			out[id] = Snapshot{}
		}
		return out
	}
	for i, id := range accountIDs {
		out[id] = Snapshot{
			RPMUsed:  totals[i*3],
			TPMUsed:  totals[i*3+1],
			ITPMUsed: totals[i*3+2],
		}
	}
	return out
}

// sum reads one account's three windows atomically. ok is false on store
// failure.
func (t *Tracker) sum(ctx context.Context, accountID string) (Snapshot, bool) {
	totals, ok := t.evalSums(ctx, t.keys(accountID))
	if !ok || len(totals) != 3 {
		return Snapshot{}, false
	}
	return Snapshot{RPMUsed: totals[0], TPMUsed: totals[1], ITPMUsed: totals[2]}, true
}

func (t *Tracker) evalSums(ctx context.Context, keys []string) ([]int64, bool) {
	res, err := t.store.Eval(ctx, sumScript, keys,
		time.Now().UnixMilli(), t.window.Milliseconds(),
	)
	if err != nil {
		t.log.Warn(ctx, "capacity read degraded", "err", err.Error())
		return nil, false
	}
	vals, ok := res.([]any)
	if !ok {
		t.log.Warn(ctx, "capacity read degraded", "err", fmt.Sprintf("unexpected script reply %T", res))
		return nil, false
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		n, _ := v.(int64)
		out[i] = n
	}
	return out, true
}

func (t *Tracker) keys(accountID string) []string {
	return []string{
		keyPrefix + accountID + ":" + metricRPM,
		keyPrefix + accountID + ":" + metricTPM,
		keyPrefix + accountID + ":" + metricITPM,
	}
}

// sumMembers totals the amounts encoded in "<ms>:<nonce>:<amount>" members.
func sumMembers(members []string) int64 {
	var total int64
	for _, m := range members {
		idx := strings.LastIndexByte(m, ':')
		if idx < 0 {
			continue
		}
		n, err := strconv.ParseInt(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
