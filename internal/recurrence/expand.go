package recurrence

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"pcal/internal/model"
)

const (
	defaultMaxInstances = 5000
	defaultMaxScan      = 1_000_000

	// ctxCheckEvery is how many iterator steps pass between context checks.
	ctxCheckEvery = 512
)

// Options bounds a single expansion.
type Options struct {
	// MaxInstances is a safety cap on instances produced inside one window.
	// If zero, defaultMaxInstances is used.
	MaxInstances int

	// MaxScan caps how many rule instances may be generated before the
	// window is reached, so a SECONDLY rule anchored decades ago cannot spin.
	// If zero, defaultMaxScan is used.
	MaxScan int

	// Pinned lists instance times that survive the exclusion list because an
	// exception overrides them.
	Pinned []time.Time
}

func (o Options) normalized() Options {
	if o.MaxInstances <= 0 {
		o.MaxInstances = defaultMaxInstances
	}
	if o.MaxScan <= 0 {
		o.MaxScan = defaultMaxScan
	}
	return o
}

// Validate parses the master's rule against its own start and reports
// ErrInvalidRecurrence for anything the expander would refuse.
func Validate(m *model.Master) error {
	if m == nil || !m.Recurring() {
		return nil
	}
	opt, err := parseRule(m)
	if err != nil {
		return err
	}
	if _, err := rrule.NewRRule(*opt); err != nil {
		return &RuleError{Rule: m.RRule, Reason: "cannot build rule", Err: err}
	}
	return nil
}

// Expand returns the original start times of the master's instances inside
// w, ascending and without duplicates.
//
//   - Recurring masters yield every rule instance whose [t, t+duration)
//     overlaps w, so an instance running into the window from before its
//     start is included. The rule is evaluated in the event's own timezone
//     so wall-clock times survive DST transitions.
//   - Single events yield their own start when [Start, End) overlaps w.
//   - Instances on the exclusion list are dropped unless pinned.
func Expand(ctx context.Context, m *model.Master, w model.Window, opts Options) ([]time.Time, error) {
	if m == nil || w.Empty() {
		return nil, nil
	}
	opts = opts.normalized()

	pinned := make(map[int64]struct{}, len(opts.Pinned))
	for _, p := range opts.Pinned {
		pinned[p.UnixMilli()] = struct{}{}
	}
	keep := func(t time.Time) bool {
		if _, ok := pinned[t.UnixMilli()]; ok {
			return true
		}
		return !m.Excluded(t)
	}

	if !m.Recurring() {
		occ := model.Occurrence{Start: m.Start, End: m.End}
		if occ.Overlaps(w.Start, w.End) && keep(m.Start) {
			return []time.Time{m.Start}, nil
		}
		return nil, nil
	}

	opt, err := parseRule(m)
	if err != nil {
		return nil, err
	}
	if !m.Start.Before(w.End) {
		return nil, nil
	}

	// Without COUNT the tail of the rule past the window is irrelevant, so
	// cap UNTIL at the window end. Rules with COUNT must be walked from
	// DTSTART for the count to mean anything.
	if opt.Count == 0 && (opt.Until.IsZero() || opt.Until.After(w.End)) {
		opt.Until = w.End.In(opt.Dtstart.Location())
	}

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &RuleError{Rule: m.RRule, Reason: "cannot build rule", Err: err}
	}

	dur := m.Duration()
	out := make([]time.Time, 0)
	next := r.Iterator()
	scanned := 0
	for {
		scanned++
		if scanned%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if scanned > opts.MaxScan {
			return nil, &LimitError{Limit: "max_scan", Value: opts.MaxScan}
		}

		t, ok := next()
		if !ok || !t.Before(w.End) {
			break
		}
		occ := model.Occurrence{Start: t, End: t.Add(dur)}
		if !occ.Overlaps(w.Start, w.End) || !keep(t) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Equal(t) {
			continue
		}
		if len(out) >= opts.MaxInstances {
			return nil, &LimitError{Limit: "max_instances", Value: opts.MaxInstances}
		}
		out = append(out, t)
	}

	// The iterator is ordered already; this only guards the invariant.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// parseRule turns the master's RRULE into rrule options anchored at the
// master's start in its own location.
func parseRule(m *model.Master) (*rrule.ROption, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(m.RRule), "RRULE:")
	if raw == "" {
		return nil, &RuleError{Rule: m.RRule, Reason: "empty rule"}
	}

	// rrule-go treats INTERVAL=0 as "unset" and silently defaults it to 1,
	// so the raw value has to be checked here.
	hasFreq := false
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "FREQ" {
			hasFreq = true
		}
		if k != "INTERVAL" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &RuleError{Rule: m.RRule, Reason: "interval is not a number", Err: err}
		}
		if n <= 0 {
			return nil, &RuleError{Rule: m.RRule, Reason: "interval must be positive"}
		}
	}
	if !hasFreq {
		return nil, &RuleError{Rule: m.RRule, Reason: "FREQ is required"}
	}

	loc := m.Zone()
	opt, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return nil, &RuleError{Rule: m.RRule, Reason: "cannot parse rule", Err: err}
	}
	if opt.Count < 0 {
		return nil, &RuleError{Rule: m.RRule, Reason: "count must not be negative"}
	}

	opt.Dtstart = m.Start.In(loc)
	if !opt.Until.IsZero() && opt.Until.Before(opt.Dtstart) {
		return nil, &RuleError{Rule: m.RRule, Reason: "until is before the series start"}
	}
	if m.End.Before(m.Start) {
		return nil, &RuleError{Rule: m.RRule, Reason: "event ends before it starts"}
	}
	return opt, nil
}
