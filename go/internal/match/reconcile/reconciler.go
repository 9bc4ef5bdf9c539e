// Package reconcile re-anchors match clocks from authoritative event readings.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchclock/go/internal/match/registry"
	"github.com/mcdev12/matchclock/go/internal/match/timefmt"
)

// Broadcaster delivers a fresh clock value to the viewers of a match.
// BroadcastTimer is called with the registry write lock held and must not block.
type Broadcaster interface {
	BroadcastTimer(update TimerUpdate)
}

// Config controls reconciliation behaviour.
type Config struct {
	Policy     Policy
	HourFormat bool
}

// Reconciler is the only writer of the match registry.
type Reconciler struct {
	registry    *registry.Registry
	clock       clockwork.Clock
	broadcaster Broadcaster
	format      timefmt.Formatter
	policy      Policy
	validate    *validator.Validate
	translator  ut.Translator
}

// ErrTranslatorNotFound is returned when the English validation messages
// cannot be loaded.
var ErrTranslatorNotFound = errors.New("translator not found")

// NewReconciler creates a reconciler writing to reg and announcing updates via b.
func NewReconciler(reg *registry.Registry, clock clockwork.Clock, b Broadcaster, cfg Config) (*Reconciler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyEventAnchored
	}

	validate, translator, err := newValidator()
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		registry:    reg,
		clock:       clock,
		broadcaster: b,
		format:      timefmt.FormatterFor(cfg.HourFormat),
		policy:      cfg.Policy,
		validate:    validate,
		translator:  translator,
	}, nil
}

// newValidator reports fields by their JSON names with English messages.
func newValidator() (*validator.Validate, ut.Translator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLang := en.New()
	uni := ut.New(enLang, enLang)
	enTrans, ok := uni.GetTranslator("en")
	if !ok {
		return nil, nil, ErrTranslatorNotFound
	}
	if err := enTranslations.RegisterDefaultTranslations(validate, enTrans); err != nil {
		return nil, nil, fmt.Errorf("register validation translations: %w", err)
	}
	return validate, enTrans, nil
}

// Policy returns the configured reconcile policy.
func (r *Reconciler) Policy() Policy {
	return r.policy
}

// Format renders seconds with the configured clock format.
func (r *Reconciler) Format(seconds int) string {
	return r.format(seconds)
}

// Reconcile applies req using the configured policy.
func (r *Reconciler) Reconcile(ctx context.Context, req StartTimerRequest) (TimerUpdate, error) {
	if r.policy == PolicyNaive {
		return r.ReconcileNaive(ctx, req)
	}
	return r.ReconcileEventAnchored(ctx, req)
}

// ReconcileEventAnchored re-anchors the match at now with the reported clock
// plus the time elapsed since EventStartTiming. The anchor is always replaced
// and the new value is always broadcast.
func (r *Reconciler) ReconcileEventAnchored(ctx context.Context, req StartTimerRequest) (TimerUpdate, error) {
	if err := ctx.Err(); err != nil {
		return TimerUpdate{}, err
	}
	if err := r.validateRequest(req); err != nil {
		return TimerUpdate{}, err
	}

	startedAt, err := ParseEventTiming(req.EventStartTiming.String())
	if err != nil {
		return TimerUpdate{}, newValidationError("EventStartTiming", err.Error())
	}
	latestSeconds, err := parseLatestEvent(req.LatestEvent)
	if err != nil {
		return TimerUpdate{}, err
	}

	key := req.MatchKey()
	var (
		update       TimerUpdate
		eventElapsed time.Duration
	)
	anchor, _ := r.registry.Apply(key, func(registry.Anchor, bool) (registry.Anchor, bool) {
		// now is read under the write lock so anchors of one match are stored
		// in instant order, and broadcast in the order they are stored.
		now := r.clock.Now()
		eventElapsed = now.Sub(startedAt)
		if eventElapsed < 0 {
			// Reading stamped in the future (feed clock skew): treat as fresh.
			eventElapsed = 0
		}
		next := registry.Anchor{Instant: now, Seconds: latestSeconds + int(eventElapsed/time.Second)}

		update = TimerUpdate{MatchKey: key, Timer: r.format(next.Seconds)}
		r.broadcaster.BroadcastTimer(update)
		return next, true
	})

	log.Debug().
		Str("match_key", key.String()).
		Str("latest_event", req.LatestEvent.String()).
		Int("event_elapsed_sec", int(eventElapsed/time.Second)).
		Int("anchor_seconds", anchor.Seconds).
		Msg("match clock re-anchored")

	return update, nil
}

// ReconcileNaive re-anchors only when LatestEvent differs from the stored
// anchor. EventStartTiming is ignored. The response is always the live value.
func (r *Reconciler) ReconcileNaive(ctx context.Context, req StartTimerRequest) (TimerUpdate, error) {
	if err := ctx.Err(); err != nil {
		return TimerUpdate{}, err
	}
	if err := r.validateRequest(req, "EventStartTiming"); err != nil {
		return TimerUpdate{}, err
	}

	latestSeconds, err := parseLatestEvent(req.LatestEvent)
	if err != nil {
		return TimerUpdate{}, err
	}

	key := req.MatchKey()
	var now time.Time
	anchor, changed := r.registry.Apply(key, func(cur registry.Anchor, ok bool) (registry.Anchor, bool) {
		now = r.clock.Now()
		if ok && cur.Seconds == latestSeconds {
			return cur, false
		}
		r.broadcaster.BroadcastTimer(TimerUpdate{MatchKey: key, Timer: r.format(latestSeconds)})
		return registry.Anchor{Instant: now, Seconds: latestSeconds}, true
	})

	if changed {
		log.Debug().
			Str("match_key", key.String()).
			Int("anchor_seconds", latestSeconds).
			Msg("match clock re-anchored")
	}

	return TimerUpdate{MatchKey: key, Timer: r.format(anchor.LiveSeconds(now))}, nil
}

func parseLatestEvent(latest Text) (int, error) {
	seconds, err := timefmt.ParseClock(latest.String())
	if err != nil {
		var fe *timefmt.FormatError
		if errors.As(err, &fe) {
			return 0, newValidationError("LatestEvent", fe.Error())
		}
		return 0, err
	}
	return seconds, nil
}

func (r *Reconciler) validateRequest(req StartTimerRequest, except ...string) error {
	var err error
	if len(except) > 0 {
		err = r.validate.StructExcept(req, except...)
	} else {
		err = r.validate.Struct(req)
	}
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(r.translator)
	}
	return &ValidationError{Fields: fields}
}
