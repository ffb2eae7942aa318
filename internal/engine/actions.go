package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/traces"
)

// WhitelistExpiredComment is the audit comment on timer-driven removals.
const WhitelistExpiredComment = "whitelist expired"

const expiryBatchSize = 100

type manualRequest struct {
	key       risk.Key
	action    risk.ManualAction
	operator  string
	comment   string
	notes     string
	expiresAt *time.Time
}

// ApplyManualAction applies an operator action. An action that does not
// apply to the current status returns *risk.IllegalTransitionError and
// leaves both the profile and the audit log untouched.
func (e *Engine) ApplyManualAction(ctx context.Context, userID string, category risk.Category, action risk.ManualAction, operatorID, comment string) (*risk.StateTransition, error) {
	return e.applyManual(ctx, manualRequest{
		key:      risk.Key{UserID: userID, Category: category},
		action:   action,
		operator: operatorID,
		comment:  comment,
	})
}

// Whitelist exempts a profile from automatic transitions. Scores are still
// computed and recorded. A non-nil expiresAt schedules automatic removal.
func (e *Engine) Whitelist(ctx context.Context, userID string, category risk.Category, operatorID, notes string, expiresAt *time.Time) (*risk.StateTransition, error) {
	if expiresAt != nil && !expiresAt.After(e.now()) {
		return nil, ErrInvalidExpiry
	}
	return e.applyManual(ctx, manualRequest{
		key:       risk.Key{UserID: userID, Category: category},
		action:    risk.ManualWhitelist,
		operator:  operatorID,
		comment:   notes,
		notes:     notes,
		expiresAt: expiresAt,
	})
}

// Unwhitelist returns a whitelisted profile to active.
func (e *Engine) Unwhitelist(ctx context.Context, userID string, category risk.Category, operatorID, comment string) (*risk.StateTransition, error) {
	return e.applyManual(ctx, manualRequest{
		key:      risk.Key{UserID: userID, Category: category},
		action:   risk.ManualRemoveWhitelist,
		operator: operatorID,
		comment:  comment,
	})
}

func (e *Engine) applyManual(ctx context.Context, req manualRequest) (*risk.StateTransition, error) {
	ctx, span := traces.StartSpan(ctx, "engine.ApplyManualAction",
		traces.UserID(req.key.UserID),
		traces.Category(string(req.key.Category)),
		traces.Action(string(req.action)),
	)
	defer span.End()

	op := strings.TrimSpace(req.operator)
	if op == "" || strings.EqualFold(op, risk.ChangedBySystem) {
		return nil, ErrOperatorRequired
	}
	req.operator = op
	if !req.action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.action)
	}

	var t *risk.StateTransition
	err := e.withKey(ctx, req.key, func() error {
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			t, err = e.tryManual(ctx, req)
			if !errors.Is(err, risk.ErrConcurrentModification) {
				return err
			}
			outcome := "retried"
			if attempt == 1 {
				outcome = "dropped"
			}
			metrics.ConcurrencyConflictsTotal.WithLabelValues(outcome).Inc()
		}
		return err
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	e.emit(t)
	return t.Clone(), nil
}

func (e *Engine) tryManual(ctx context.Context, req manualRequest) (*risk.StateTransition, error) {
	p, err := e.profiles.Get(ctx, req.key.UserID, req.key.Category)
	if err != nil {
		return nil, err
	}
	next, err := risk.NextManual(p.CurrentStatus, req.action)
	if err != nil {
		metrics.IllegalTransitionsTotal.WithLabelValues(string(req.key.Category), string(req.action)).Inc()
		logging.L(ctx).Info("manual action rejected",
			"user_id", req.key.UserID, "category", req.key.Category,
			"action", req.action, "status", p.CurrentStatus)
		return nil, err
	}

	now := e.now()
	updated := p.Clone()
	updated.CurrentStatus = next
	updated.StatusSince = now
	switch req.action {
	case risk.ManualWhitelist:
		updated.Whitelisted = true
		updated.WhitelistNotes = req.notes
		updated.WhitelistExpiresAt = req.expiresAt
	case risk.ManualRemoveWhitelist:
		updated.Whitelisted = false
		updated.WhitelistNotes = ""
		updated.WhitelistExpiresAt = nil
	}

	t := &risk.StateTransition{
		UserID:         p.UserID,
		Category:       p.Category,
		PreviousStatus: p.CurrentStatus,
		NewStatus:      next,
		Event:          string(req.action),
		ChangedBy:      req.operator,
		Comment:        req.comment,
		Timestamp:      now,
		ConfigVersion:  p.ConfigVersion,
	}
	if err := e.profiles.Update(ctx, updated, p.Revision, t); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(p.Category), string(p.CurrentStatus), string(next), "manual").Inc()
	logging.L(ctx).Info("manual transition applied",
		"user_id", p.UserID, "category", p.Category,
		"from", p.CurrentStatus, "to", next, "action", req.action, "changed_by", req.operator)
	return t, nil
}

// ExpireWhitelists returns every whitelisted profile whose expiry is at or
// before now to active. It returns the number of profiles moved.
func (e *Engine) ExpireWhitelists(ctx context.Context, now time.Time) (int, error) {
	keys, err := e.profiles.ListExpiredWhitelists(ctx, now, expiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired whitelists: %w", err)
	}
	moved := 0
	for _, key := range keys {
		var t *risk.StateTransition
		err := e.withKey(ctx, key, func() error {
			var err error
			t, err = e.expireOne(ctx, key, now)
			return err
		})
		if err != nil {
			e.logger.Warn("failed to expire whitelist",
				"user_id", key.UserID, "category", key.Category, "error", err)
			continue
		}
		if t == nil {
			continue
		}
		moved++
		e.emit(t)
	}
	return moved, nil
}

// expireOne re-checks the profile under the key lock: an operator may have
// removed or renewed the whitelist since it was listed.
func (e *Engine) expireOne(ctx context.Context, key risk.Key, now time.Time) (*risk.StateTransition, error) {
	p, err := e.profiles.Get(ctx, key.UserID, key.Category)
	if err != nil {
		return nil, err
	}
	if p.CurrentStatus != risk.StatusWhitelisted || p.WhitelistExpiresAt == nil || p.WhitelistExpiresAt.After(now) {
		return nil, nil
	}

	updated := p.Clone()
	updated.CurrentStatus = risk.StatusActive
	updated.StatusSince = now
	updated.Whitelisted = false
	updated.WhitelistNotes = ""
	updated.WhitelistExpiresAt = nil

	t := &risk.StateTransition{
		UserID:         p.UserID,
		Category:       p.Category,
		PreviousStatus: risk.StatusWhitelisted,
		NewStatus:      risk.StatusActive,
		Event:          risk.EventWhitelistExpired,
		ChangedBy:      risk.ChangedBySystem,
		Comment:        WhitelistExpiredComment,
		Timestamp:      now,
		ConfigVersion:  p.ConfigVersion,
	}
	if err := e.profiles.Update(ctx, updated, p.Revision, t); err != nil {
		return nil, err
	}
	metrics.WhitelistExpiriesTotal.Inc()
	metrics.TransitionsTotal.WithLabelValues(string(p.Category), string(risk.StatusWhitelisted), string(risk.StatusActive), "expiry").Inc()
	e.logger.Info("whitelist expired", "user_id", p.UserID, "category", p.Category)
	return t, nil
}
