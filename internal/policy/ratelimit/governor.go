package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Fixed window lengths checked by the governor, in evaluation order.
const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour
	DayWindow    = 24 * time.Hour
)

// Decision codes returned alongside the human-readable reason.
const (
	CodeOK          = "ok"
	CodeBanned      = "banned"
	CodeMinuteLimit = "minute_limit"
	CodeHourLimit   = "hour_limit"
	CodeDailyLimit  = "daily_download_limit"
)

// burstSlack is how many entries past a cap each history retains.
const burstSlack = 1

const defaultSweepInterval = 5 * time.Minute

// Config holds access governor limits.
type Config struct {
	MaxRequestsPerMinute int
	MaxRequestsPerHour   int
	MaxDownloadsPerDay   int
	Cooldown             time.Duration
	SweepInterval        time.Duration
}

// Validate rejects non-positive caps and cooldowns.
func (c Config) Validate() error {
	switch {
	case c.MaxRequestsPerMinute <= 0:
		return fmt.Errorf("%w: max requests per minute must be > 0", fetch.ErrConfiguration)
	case c.MaxRequestsPerHour <= 0:
		return fmt.Errorf("%w: max requests per hour must be > 0", fetch.ErrConfiguration)
	case c.MaxDownloadsPerDay <= 0:
		return fmt.Errorf("%w: max downloads per day must be > 0", fetch.ErrConfiguration)
	case c.Cooldown <= 0:
		return fmt.Errorf("%w: ban cooldown must be > 0", fetch.ErrConfiguration)
	case c.SweepInterval < 0:
		return fmt.Errorf("%w: sweep interval must be >= 0", fetch.ErrConfiguration)
	}
	return nil
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Code              string `json:"code"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retry_after"`
}

// Limits reports the configured caps.
type Limits struct {
	PerMinute       int `json:"per_minute"`
	PerHour         int `json:"per_hour"`
	PerDay          int `json:"per_day"`
	CooldownSeconds int `json:"cooldown_seconds"`
}

// ClientStats is a read-only view of one client key.
type ClientStats struct {
	ClientKey           string `json:"client_key"`
	RequestsLastMinute  int    `json:"requests_last_minute"`
	RequestsLastHour    int    `json:"requests_last_hour"`
	DownloadsLastDay    int    `json:"downloads_last_day"`
	Banned              bool   `json:"is_banned"`
	BanRemainingSeconds int    `json:"ban_remaining_seconds"`
	Limits              Limits `json:"limits"`
}

// GlobalStats aggregates totals across all tracked keys.
type GlobalStats struct {
	TrackedKeys        int `json:"total_active_keys"`
	BannedKeys         int `json:"total_banned_keys"`
	RequestsLastMinute int `json:"requests_last_minute"`
	RequestsLastHour   int `json:"requests_last_hour"`
	DownloadsLastDay   int `json:"downloads_last_day"`
}

// SweepResult reports what an idle sweep reclaimed.
type SweepResult struct {
	KeysForgotten int
	BansExpired   int
}

// Governor is the multi-window access limiter with escalating bans. One mutex
// guards every timestamp history and the ban map, so ban decisions see the
// full window state atomically.
type Governor struct {
	mu        sync.Mutex
	cfg       Config
	requests  *WindowCounter
	downloads *WindowCounter
	bans      map[string]time.Time
	clock     fetch.Clock
	logger    *zap.Logger
	// setBanned publishes the ban map size whenever it changes.
	setBanned func(int)
}

// New creates a Governor. It fails fast on invalid limits.
func New(cfg Config, clock fetch.Clock, logger *zap.Logger) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock is required", fetch.ErrConfiguration)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	requestCap := max(cfg.MaxRequestsPerMinute, cfg.MaxRequestsPerHour) + burstSlack
	return &Governor{
		cfg:       cfg,
		requests:  NewWindowCounter(HourWindow, requestCap),
		downloads: NewWindowCounter(DayWindow, cfg.MaxDownloadsPerDay+burstSlack),
		bans:      make(map[string]time.Time),
		clock:     clock,
		logger:    logger,
		setBanned: metrics.SetBannedClients,
	}, nil
}

// Check records an event for key and decides whether it is admitted. The
// event is recorded before limits are evaluated, so the call that pushes a
// window over its cap is itself counted and is the one rejected.
func (g *Governor) Check(key string, isDownload bool) Decision {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests.Record(key, now)
	if isDownload {
		g.downloads.Record(key, now)
	}

	if banTime, ok := g.bans[key]; ok {
		if elapsed := now.Sub(banTime); elapsed < g.cfg.Cooldown {
			metrics.ObserveAccessDecision(CodeBanned)
			return Decision{
				Allowed:           false,
				Code:              CodeBanned,
				Reason:            "client temporarily banned due to excessive requests",
				RetryAfterSeconds: ceilSeconds(g.cfg.Cooldown - elapsed),
			}
		}
		delete(g.bans, key)
		g.setBanned(len(g.bans))
		g.logger.Info("client unbanned", zap.String("client_key", key))
	}

	if g.requests.Count(key, now, MinuteWindow) > g.cfg.MaxRequestsPerMinute {
		return g.ban(key, now, CodeMinuteLimit, MinuteWindow,
			fmt.Sprintf("rate limit: maximum %d requests per minute", g.cfg.MaxRequestsPerMinute))
	}
	if g.requests.Count(key, now, HourWindow) > g.cfg.MaxRequestsPerHour {
		return g.ban(key, now, CodeHourLimit, HourWindow,
			fmt.Sprintf("rate limit: maximum %d requests per hour", g.cfg.MaxRequestsPerHour))
	}
	if isDownload && g.downloads.Count(key, now, DayWindow) > g.cfg.MaxDownloadsPerDay {
		return g.ban(key, now, CodeDailyLimit, DayWindow,
			fmt.Sprintf("rate limit: maximum %d downloads per day", g.cfg.MaxDownloadsPerDay))
	}

	metrics.ObserveAccessDecision(CodeOK)
	return Decision{Allowed: true, Code: CodeOK, Reason: "OK"}
}

// ban must be called with g.mu held.
func (g *Governor) ban(key string, now time.Time, code string, window time.Duration, reason string) Decision {
	g.bans[key] = now
	g.setBanned(len(g.bans))
	metrics.ObserveAccessDecision(code)
	metrics.ObserveBan(code)
	g.logger.Warn("client banned",
		zap.String("client_key", key),
		zap.String("code", code),
		zap.Duration("cooldown", g.cfg.Cooldown),
	)
	return Decision{
		Allowed:           false,
		Code:              code,
		Reason:            reason,
		RetryAfterSeconds: int(window / time.Second),
	}
}

// IsBanned reports whether key is inside its ban cooldown. It never mutates
// state; expired bans are removed by Check or the sweep.
func (g *Governor) IsBanned(key string) bool {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	banTime, ok := g.bans[key]
	return ok && now.Sub(banTime) < g.cfg.Cooldown
}

// Stats returns per-window counts and ban state for key without mutating it.
func (g *Governor) Stats(key string) ClientStats {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := ClientStats{
		ClientKey:          key,
		RequestsLastMinute: g.requests.Count(key, now, MinuteWindow),
		RequestsLastHour:   g.requests.Count(key, now, HourWindow),
		DownloadsLastDay:   g.downloads.Count(key, now, DayWindow),
		Limits:             g.limits(),
	}
	if banTime, ok := g.bans[key]; ok {
		if elapsed := now.Sub(banTime); elapsed < g.cfg.Cooldown {
			stats.Banned = true
			stats.BanRemainingSeconds = ceilSeconds(g.cfg.Cooldown - elapsed)
		}
	}
	return stats
}

// GlobalStats aggregates totals across every tracked key.
func (g *Governor) GlobalStats() GlobalStats {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	banned := 0
	for _, banTime := range g.bans {
		if now.Sub(banTime) < g.cfg.Cooldown {
			banned++
		}
	}
	return GlobalStats{
		TrackedKeys:        g.trackedKeys(),
		BannedKeys:         banned,
		RequestsLastMinute: g.requests.Total(now, MinuteWindow),
		RequestsLastHour:   g.requests.Total(now, HourWindow),
		DownloadsLastDay:   g.downloads.Total(now, DayWindow),
	}
}

// Limits returns the configured caps.
func (g *Governor) Limits() Limits {
	return g.limits()
}

func (g *Governor) limits() Limits {
	return Limits{
		PerMinute:       g.cfg.MaxRequestsPerMinute,
		PerHour:         g.cfg.MaxRequestsPerHour,
		PerDay:          g.cfg.MaxDownloadsPerDay,
		CooldownSeconds: int(g.cfg.Cooldown / time.Second),
	}
}

// Sweep prunes timestamps older than the longest window and drops expired
// bans, bounding memory while traffic is idle.
func (g *Governor) Sweep() SweepResult {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	before := g.trackedKeys()
	g.requests.Prune(now)
	g.downloads.Prune(now)
	res := SweepResult{KeysForgotten: before - g.trackedKeys()}
	for key, banTime := range g.bans {
		if now.Sub(banTime) >= g.cfg.Cooldown {
			delete(g.bans, key)
			res.BansExpired++
			g.logger.Info("client unbanned", zap.String("client_key", key))
		}
	}
	g.setBanned(len(g.bans))
	return res
}

// trackedKeys counts keys held by either counter. Callers hold g.mu.
func (g *Governor) trackedKeys() int {
	keys := make(map[string]struct{})
	for _, k := range g.requests.Keys() {
		keys[k] = struct{}{}
	}
	for _, k := range g.downloads.Keys() {
		keys[k] = struct{}{}
	}
	return len(keys)
}

// Run sweeps on the configured interval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := g.Sweep()
			if res.KeysForgotten > 0 || res.BansExpired > 0 {
				g.logger.Debug("access sweep",
					zap.Int("keys_forgotten", res.KeysForgotten),
					zap.Int("bans_expired", res.BansExpired),
				)
			}
		}
	}
}

func ceilSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
