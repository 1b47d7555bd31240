package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/celerix-dev/celerix-moments/internal/scheduler"
	"github.com/celerix-dev/celerix-moments/internal/session"
	"github.com/celerix-dev/celerix-moments/internal/texts"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

const maxIntervalHours = 24

func (s *Service) handleCommand(ctx context.Context, h *handling, name string, args []string) error {
	switch strings.ToLower(name) {
	case "start":
		if err := s.start(h); err != nil {
			return err
		}
		if len(args) > 0 && args[0] == ActionAdd {
			h.replies = nil
			return s.handleAction(ctx, h, ActionAdd)
		}
		return nil
	case "delete":
		return s.deleteUser(h)
	case ActionAdd, ActionTalk, ActionSearch, ActionCancel, ActionSkip, "exit":
		return s.handleAction(ctx, h, strings.ToLower(name))
	}

	if !s.onboarded(h) {
		return nil
	}
	u := h.user
	switch strings.ToLower(name) {
	case "pause":
		return s.updateSettings(h, texts.Paused, nil, func(n *schema.NotificationSettings) error {
			n.Enabled = false
			return nil
		})
	case "resume":
		return s.updateSettings(h, texts.Resumed, nil, func(n *schema.NotificationSettings) error {
			n.Enabled = true
			return nil
		})
	case "interval":
		hours, err := strconv.Atoi(firstArg(args))
		if err != nil || hours < 1 || hours > maxIntervalHours {
			h.reply(s.say(u, texts.BadArgument, firstArg(args)))
			return nil
		}
		return s.updateSettings(h, texts.IntervalSet, []any{hours}, func(n *schema.NotificationSettings) error {
			n.IntervalHours = hours
			return nil
		})
	case "hours":
		w, err := schema.ParseWindow(strings.Join(args, ""))
		if err != nil {
			h.reply(s.say(u, texts.BadArgument, strings.Join(args, " ")))
			return nil
		}
		return s.updateSettings(h, texts.HoursSet, []any{w.String()}, func(n *schema.NotificationSettings) error {
			n.ActiveStart, n.ActiveEnd = w.Start, w.End
			return nil
		})
	case "timezone":
		tz := firstArg(args)
		if _, err := scheduler.Location(tz); err != nil || tz == "" {
			h.reply(s.say(u, texts.BadArgument, tz))
			return nil
		}
		return s.updateSettings(h, texts.TimezoneSet, []any{tz}, func(n *schema.NotificationSettings) error {
			n.Timezone = tz
			return nil
		})
	case "formal":
		var addr schema.Addressing
		switch strings.ToLower(firstArg(args)) {
		case "on", "yes", "":
			addr = schema.AddressFormal
		case "off", "no":
			addr = schema.AddressInformal
		default:
			h.reply(s.say(u, texts.BadArgument, firstArg(args)))
			return nil
		}
		updated, err := s.store.UpdateUser(u.ID, func(p *schema.UserProfile) error {
			p.Addressing = addr
			return nil
		})
		if err != nil {
			return err
		}
		h.user = updated
		h.reply(s.say(updated, texts.FormalSet))
		return nil
	case "recent":
		recent, err := s.store.RecentMoments(u.ID, recentLimit)
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			h.reply(s.say(u, texts.RecentEmpty))
			return nil
		}
		h.reply(s.say(u, texts.Recent, formatMoments(recent)))
		return nil
	}

	h.reply(s.say(u, texts.Unknown))
	return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// handleAction runs a mode-changing action from a command, button or deep link.
func (s *Service) handleAction(_ context.Context, h *handling, action string) error {
	if !s.onboarded(h) {
		return nil
	}
	u := h.user
	switch action {
	case ActionAdd:
		if _, _, err := s.sessions.Apply(u.ID, session.AddRecord); err != nil {
			return err
		}
		h.reply(s.say(u, texts.AskMoment, s.control(u, ActionCancel, texts.ButtonCancel)))
	case ActionTalk:
		if _, _, err := s.sessions.Apply(u.ID, session.Talk); err != nil {
			return err
		}
		h.reply(s.say(u, texts.TalkStart))
	case ActionSearch:
		if _, _, err := s.sessions.Apply(u.ID, session.Search); err != nil {
			return err
		}
		h.reply(s.say(u, texts.SearchAsk, s.control(u, ActionCancel, texts.ButtonCancel)))
	case ActionCancel, ActionSkip:
		if _, _, err := s.sessions.Apply(u.ID, session.Cancel); err != nil {
			return err
		}
		h.reply(s.say(u, texts.Cancelled))
	case "exit":
		prev, _, err := s.sessions.Apply(u.ID, session.Exit)
		if err != nil {
			return err
		}
		if prev.Mode == session.FreeDialogue {
			h.reply(s.say(u, texts.TalkExit))
		} else {
			h.reply(s.say(u, texts.Cancelled))
		}
	default:
		h.reply(s.say(u, texts.Unknown))
		return fmt.Errorf("%w: action %q", ErrUnknownCommand, action)
	}
	return nil
}

// start registers the user, or completes onboarding of a known one, and
// makes sure they have a prompt job.
func (s *Service) start(h *handling) error {
	locale := s.locale
	if h.in.Locale != "" {
		locale = texts.Match(h.in.Locale)
	}
	u, created := s.store.CreateUser(schema.UserProfile{
		ID:                  h.in.UserID,
		Locale:              locale,
		Addressing:          schema.AddressInformal,
		Notifications:       s.defaults,
		OnboardingCompleted: true,
	})
	if !created && !u.OnboardingCompleted {
		var err error
		u, err = s.store.UpdateUser(u.ID, func(p *schema.UserProfile) error {
			p.OnboardingCompleted = true
			return nil
		})
		if err != nil {
			return err
		}
	}
	if created {
		s.log.Info("User registered", "user_id", u.ID, "locale", u.Locale)
	}
	h.user = u
	s.reschedule(u.ID)
	n := u.Notifications
	h.reply(s.say(u, texts.Welcome, n.IntervalHours, n.Window().String(),
		s.control(u, ActionAdd, texts.ButtonAdd),
		s.control(u, ActionSearch, texts.ButtonSearch),
	))
	return nil
}

func (s *Service) updateSettings(h *handling, done texts.Key, args []any, fn func(n *schema.NotificationSettings) error) error {
	u, err := s.store.UpdateUser(h.user.ID, func(p *schema.UserProfile) error {
		return fn(&p.Notifications)
	})
	if err != nil {
		return err
	}
	h.user = u
	s.reschedule(u.ID)
	h.reply(s.say(u, done, args...))
	return nil
}

// reschedule recomputes the user's job after a settings change.
func (s *Service) reschedule(userID string) {
	if s.scheduler == nil {
		return
	}
	if _, err := s.scheduler.Schedule(userID); err != nil && !errors.Is(err, scheduler.ErrNotSchedulable) {
		s.log.Warn("Could not schedule user", "user_id", userID, "error", err)
	}
}

// deleteUser erases the user with their moments, job and session.
func (s *Service) deleteUser(h *handling) error {
	u, err := s.store.User(h.in.UserID)
	if err != nil {
		if userGone(err) {
			h.reply(s.say(s.guest(h.in), texts.NotStarted))
			return nil
		}
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Unschedule(u.ID)
	}
	if err := s.store.DeleteUser(u.ID); err != nil && !userGone(err) {
		return err
	}
	s.sessions.Reset(u.ID)
	s.log.Info("User deleted", "user_id", u.ID)
	h.reply(s.say(u, texts.Deleted))
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
