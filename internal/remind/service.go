// Package remind implements the dispatch targets behind scheduled
// jobs: the pre-session training reminder and the weekly planning
// broadcast. Handlers run on the delivery loop; fanout sends are paced
// through the delivery rate limiter.
package remind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coachbot/internal/delivery"
	"coachbot/internal/dispatch"
	"coachbot/internal/jobs"
	"coachbot/internal/schedule"
	"coachbot/internal/storage"
	"coachbot/internal/transport"
	logx "coachbot/pkg/logx"
)

// Sender is the slice of the transport adapter the handlers need.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Pacer gates each outbound send during fanout.
type Pacer interface {
	Pace(ctx context.Context) error
}

type Service struct {
	store  storage.Store
	sender Sender
	pacer  Pacer
	log    logx.Logger
}

var _ Pacer = (*delivery.Runtime)(nil)

func NewService(store storage.Store, sender Sender, pacer Pacer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, sender: sender, pacer: pacer, log: log}
}

// RegisterHandlers installs both targets. Call before Registry.Seal.
func (s *Service) RegisterHandlers(reg *dispatch.Registry) error {
	if err := reg.Register(jobs.TargetReminder, s.HandleReminder); err != nil {
		return err
	}
	return reg.Register(jobs.TargetBroadcast, s.HandleBroadcast)
}

// HandleReminder sends the pre-session reminder to the one student the
// training belongs to. A failed day-config read falls back to
// placeholder session details rather than dropping the send.
func (s *Service) HandleReminder(ctx context.Context, payload json.RawMessage) error {
	var p jobs.ReminderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("reminder payload: %w", err)
	}
	if p.Weekday < 0 || p.Weekday > 6 {
		return fmt.Errorf("reminder payload: weekday %d out of range", p.Weekday)
	}
	if p.ChatID == 0 {
		return fmt.Errorf("reminder payload: recipient chat id missing")
	}

	sessionType, location := placeholderSessionType, placeholderLocation
	dc, err := s.store.GetDayConfig(ctx, p.Weekday)
	switch {
	case err == nil:
		if dc.SessionType != "" {
			sessionType = dc.SessionType
		}
		if dc.Location != "" {
			location = dc.Location
		}
	default:
		s.log.Warn("day config unavailable; using placeholders",
			logx.Int("weekday", p.Weekday), logx.Err(err))
	}

	text := RenderTrainingReminder(sessionType, location, p.Hour, p.Minute)
	if err := s.pacer.Pace(ctx); err != nil {
		return fmt.Errorf("reminder: pacing: %w", err)
	}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if _, err := s.sender.SendText(ctx, transport.ChatTarget{ChatID: p.ChatID}, text, opt); err != nil {
		return fmt.Errorf("reminder: send to %d: %w", p.ChatID, err)
	}
	s.log.Info("reminder sent",
		logx.Int64("training", p.TrainingID),
		logx.Int64("chat_id", p.ChatID),
		logx.String("day", schedule.WeekdayName(p.Weekday)))
	return nil
}

// HandleBroadcast sends the weekly planning message. The broadcast
// settings are re-read at fire time so a deactivation between schedule
// and fire is honored; the persisted variant is the fallback.
func (s *Service) HandleBroadcast(ctx context.Context, payload json.RawMessage) error {
	var p jobs.BroadcastPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("broadcast payload: %w", err)
	}

	mondayOff := p.MondayOff
	bc, err := s.store.GetBroadcastConfig(ctx)
	switch {
	case err == nil:
		if !bc.IsActive {
			s.log.Info("broadcast deactivated; skipping send")
			return nil
		}
		mondayOff = bc.IsMondayOff
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.log.Warn("broadcast config unavailable; using persisted variant", logx.Err(err))
	}

	text := RenderWeeklyBroadcast(mondayOff)
	return s.fanout(ctx, "broadcast", text, logx.Bool("monday_off", mondayOff))
}

// fanout delivers one rendered message to every active student. A
// failed send is logged and the loop continues; the firing only fails
// when nobody could be reached.
func (s *Service) fanout(ctx context.Context, kind, text string, fields ...logx.Field) error {
	students, err := s.store.ListActiveStudents(ctx)
	if err != nil {
		return fmt.Errorf("%s: list students: %w", kind, err)
	}
	if len(students) == 0 {
		s.log.Info("no active students; nothing to send", logx.String("kind", kind))
		return nil
	}

	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	sent := 0
	for _, st := range students {
		if err := s.pacer.Pace(ctx); err != nil {
			return fmt.Errorf("%s: pacing: %w", kind, err)
		}
		if _, err := s.sender.SendText(ctx, transport.ChatTarget{ChatID: st.ChatID}, text, opt); err != nil {
			s.log.Warn("send failed",
				logx.String("kind", kind),
				logx.Int64("chat_id", st.ChatID),
				logx.String("student", st.Name),
				logx.Err(err))
			continue
		}
		sent++
	}

	fields = append(fields,
		logx.String("kind", kind),
		logx.Int("sent", sent),
		logx.Int("students", len(students)))
	s.log.Info("fanout complete", fields...)

	if sent == 0 {
		return fmt.Errorf("%s: all %d sends failed", kind, len(students))
	}
	return nil
}
