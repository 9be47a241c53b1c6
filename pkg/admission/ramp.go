package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaygate/relaygate/pkg/kv"
)

// ErrCapExceeded is returned when today's admission count is over the
// ramp limit. Terminal for the day.
var ErrCapExceeded = errors.New("admission: daily cap exceeded")

const (
	startDateKey  = "start-date"
	dailyCountKey = "daily-count:" // + ISO date

	dateLayout = "2006-01-02"

	// dailyCountTTL expires counter keys on their own, independent of
	// calendar alignment: the key name carries the date, the TTL just
	// garbage-collects.
	dailyCountTTL = 24 * time.Hour
)

// Ramp computes the daily admission limit and counts admissions against
// it. The limit grows linearly from the first day the system ever
// admitted traffic, so volume scales up slowly after first use.
type Ramp struct {
	store  kv.Store
	base   int
	step   int
	max    int
	now    func() time.Time
	logger *slog.Logger
}

// NewRamp creates a ramp with limit = min(base + step*daysActive, max).
func NewRamp(store kv.Store, base, step, max int, logger *slog.Logger) *Ramp {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ramp{
		store:  store,
		base:   base,
		step:   step,
		max:    max,
		now:    time.Now,
		logger: logger,
	}
}

// SetNowFunc overrides the ramp's time source for tests.
func (r *Ramp) SetNowFunc(now func() time.Time) {
	r.now = now
}

// Limit returns the admission limit for the given number of active days.
func (r *Ramp) Limit(daysActive int) int {
	limit := r.base + r.step*daysActive
	if limit > r.max {
		return r.max
	}
	return limit
}

// Admit counts one admission attempt against today's limit and returns
// ErrCapExceeded if the post-increment count is over it. The increment is
// not rolled back on rejection: the counter reflects attempts, so retries
// of a rejected slot still consume the day's budget.
func (r *Ramp) Admit(ctx context.Context) error {
	today := r.now().UTC().Truncate(24 * time.Hour)

	daysActive, err := r.daysActive(ctx, today)
	if err != nil {
		return err
	}
	limit := r.Limit(daysActive)

	count, err := r.store.IncrWithExpiry(ctx, dailyCountKey+today.Format(dateLayout), dailyCountTTL)
	if err != nil {
		return fmt.Errorf("admission counter: %w", err)
	}
	if count > int64(limit) {
		r.logger.Warn("admission rejected, daily cap exceeded",
			"count", count, "limit", limit, "days_active", daysActive)
		return ErrCapExceeded
	}
	return nil
}

// daysActive returns whole days since the persisted start date, writing
// the start date on the first ever admission check.
func (r *Ramp) daysActive(ctx context.Context, today time.Time) (int, error) {
	if _, err := r.store.SetNX(ctx, startDateKey, today.Format(dateLayout), 0); err != nil {
		return 0, fmt.Errorf("persist start date: %w", err)
	}
	raw, err := r.store.Get(ctx, startDateKey)
	if err != nil {
		return 0, fmt.Errorf("read start date: %w", err)
	}
	start, err := time.Parse(dateLayout, raw)
	if err != nil {
		return 0, fmt.Errorf("parse start date %q: %w", raw, err)
	}
	days := int(today.Sub(start).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, nil
}
