// Package bot turns inbound platform interactions into changes of the
// conversation state and the durable store, and replies through Delivery.
//
// Every interaction passes the duplicate guard first. Accepted ones consult
// the user's session mode, mutate the store and finally send replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/celerix-dev/celerix-moments/internal/clock"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/guard"
	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/internal/session"
	"github.com/celerix-dev/celerix-moments/internal/texts"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadInteraction = errors.New("bad interaction")
)

// Button actions offered with replies. Commands share these names.
const (
	ActionAdd    = "add"
	ActionSkip   = "skip"
	ActionTalk   = "talk"
	ActionSearch = "search"
	ActionCancel = "cancel"
)

// recentLimit bounds both /recent output and the dialogue context.
const recentLimit = 5

// Result describes what handling one interaction did.
type Result struct {
	// Duplicate is set when the interaction was suppressed by the guard.
	Duplicate bool            `json:"duplicate"`
	Mode      session.Mode    `json:"mode"`
	Replies   []schema.Prompt `json:"replies,omitempty"`
	Moment    *schema.Moment  `json:"moment,omitempty"`
}

// Service handles interactions for all users.
type Service struct {
	store     Store
	scheduler Scheduler
	delivery  Delivery
	guard     *guard.Guard
	sessions  *session.Machine
	render    Renderer

	tagger      Tagger
	searcher    Searcher
	responder   Responder
	transcriber Transcriber
	embedder    Embedder

	defaults schema.NotificationSettings
	locale   string
	clock    clock.Clock
	log      *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option         { return func(s *Service) { s.clock = c } }
func WithLogger(l *logger.Logger) Option     { return func(s *Service) { s.log = l } }
func WithRenderer(r Renderer) Option         { return func(s *Service) { s.render = r } }
func WithTagger(t Tagger) Option             { return func(s *Service) { s.tagger = t } }
func WithSearcher(q Searcher) Option         { return func(s *Service) { s.searcher = q } }
func WithResponder(r Responder) Option       { return func(s *Service) { s.responder = r } }
func WithTranscriber(t Transcriber) Option   { return func(s *Service) { s.transcriber = t } }
func WithEmbedder(e Embedder) Option         { return func(s *Service) { s.embedder = e } }
func WithGuard(g *guard.Guard) Option        { return func(s *Service) { s.guard = g } }
func WithSessions(m *session.Machine) Option { return func(s *Service) { s.sessions = m } }
func WithDefaultLocale(locale string) Option { return func(s *Service) { s.locale = locale } }
func WithDefaults(n schema.NotificationSettings) Option {
	return func(s *Service) { s.defaults = n }
}

// New creates the service. The scheduler may be nil in tests that do not
// care about jobs.
func New(store Store, sched Scheduler, d Delivery, opts ...Option) *Service {
	s := &Service{
		store:     store,
		scheduler: sched,
		delivery:  d,
		render:    texts.Catalog{},
		tagger:    HashtagTagger{},
		searcher:  SubstringSearcher{},
		locale:    "en",
		defaults: schema.NotificationSettings{
			IntervalHours: 3,
			ActiveStart:   schema.MustTimeOfDay("09:00"),
			ActiveEnd:     schema.MustTimeOfDay("21:00"),
			Timezone:      "UTC",
			Enabled:       true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrSystem(s.clock)
	if s.guard == nil {
		s.guard = guard.New(guard.DefaultWindow, s.clock)
	}
	if s.sessions == nil {
		s.sessions = session.NewMachine(s.clock)
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.With("component", "Bot")
	return s
}

// Session returns the current conversation state of a user.
func (s *Service) Session(userID string) session.State {
	return s.sessions.Get(userID)
}

// Prompted moves the user into capture mode after the scheduler delivered a
// prompt at the given time.
func (s *Service) Prompted(userID string, at time.Time) {
	if _, _, err := s.sessions.Apply(userID, session.ScheduledPrompt); err != nil {
		s.log.Warn("Could not open capture after prompt", "user_id", userID, "error", err)
		return
	}
	s.log.Debug("Awaiting moment", "user_id", userID, "prompted_at", at)
}

// ScheduledPrompt renders the recurring question for u.
func (s *Service) ScheduledPrompt(u schema.UserProfile) schema.Prompt {
	return schema.Prompt{
		UserID: u.ID,
		Text:   s.text(u, texts.AskMoment),
		Controls: []schema.Control{
			s.control(u, ActionSkip, texts.ButtonSkip),
		},
	}
}

// HandleInteraction processes one inbound interaction.
func (s *Service) HandleInteraction(ctx context.Context, in schema.Interaction) (Result, error) {
	if in.UserID == "" {
		return Result{}, fmt.Errorf("%w: missing user id", ErrBadInteraction)
	}
	if in.ID != "" && !s.guard.TryMark(guard.InteractionKey(in.ID)) {
		s.log.Debug("Duplicate interaction ignored", "interaction_id", in.ID, "user_id", in.UserID)
		return Result{Duplicate: true, Mode: s.sessions.Get(in.UserID).Mode}, nil
	}

	h := &handling{in: in}
	var err error
	switch in.Kind {
	case schema.InteractionCommand:
		err = s.handleCommand(ctx, h, strings.TrimPrefix(in.Command, "/"), in.Args)
	case schema.InteractionButton:
		err = s.handleAction(ctx, h, in.Action)
	case schema.InteractionDeepLink:
		err = s.handleDeepLink(ctx, h, in.Action)
	case schema.InteractionMessage:
		err = s.handleText(ctx, h, in.Text, schema.SourceText)
	case schema.InteractionVoice:
		err = s.handleVoice(ctx, h)
	default:
		err = fmt.Errorf("%w: kind %q", ErrBadInteraction, in.Kind)
	}

	s.flush(ctx, h)
	res := Result{
		Mode:    s.sessions.Get(in.UserID).Mode,
		Replies: h.replies,
		Moment:  h.moment,
	}
	return res, err
}

// handling collects the outcome of one interaction.
type handling struct {
	in      schema.Interaction
	user    schema.UserProfile
	replies []schema.Prompt
	moment  *schema.Moment
}

func (h *handling) reply(p schema.Prompt) {
	h.replies = append(h.replies, p)
}

// flush delivers the collected replies. Failures are logged; the caller still
// receives the replies in the Result.
func (s *Service) flush(ctx context.Context, h *handling) {
	if s.delivery == nil {
		return
	}
	for _, p := range h.replies {
		if err := s.delivery.SendPrompt(ctx, p); err != nil {
			s.log.Warn("Reply delivery failed", "user_id", p.UserID, "error", err)
		}
	}
}

// onboarded loads the user, replying with a hint when they never started.
func (s *Service) onboarded(h *handling) bool {
	u, err := s.store.User(h.in.UserID)
	if err != nil || !u.OnboardingCompleted {
		h.reply(s.say(s.guest(h.in), texts.NotStarted))
		return false
	}
	h.user = u
	return true
}

// guest is a stand-in profile used to render replies for unknown users.
func (s *Service) guest(in schema.Interaction) schema.UserProfile {
	locale := s.locale
	if in.Locale != "" {
		locale = texts.Match(in.Locale)
	}
	return schema.UserProfile{ID: in.UserID, Locale: locale, Addressing: schema.AddressInformal}
}

func (s *Service) handleDeepLink(ctx context.Context, h *handling, payload string) error {
	if err := s.start(h); err != nil {
		return err
	}
	if payload == ActionAdd {
		// the welcome is replaced by the capture question
		h.replies = nil
		return s.handleAction(ctx, h, ActionAdd)
	}
	return nil
}

func (s *Service) handleVoice(ctx context.Context, h *handling) error {
	if !s.onboarded(h) {
		return nil
	}
	if s.transcriber == nil {
		h.reply(s.say(h.user, texts.VoiceUnsupported))
		return nil
	}
	text, err := s.transcriber.Transcribe(ctx, h.in.Text)
	if err != nil {
		s.log.Warn("Transcription failed", "user_id", h.user.ID, "error", err)
		h.reply(s.say(h.user, texts.VoiceUnsupported))
		return nil
	}
	return s.handleText(ctx, h, text, schema.SourceVoice)
}

// handleText interprets free text according to the user's mode.
func (s *Service) handleText(ctx context.Context, h *handling, text string, source schema.SourceKind) error {
	if h.user.ID == "" && !s.onboarded(h) {
		return nil
	}
	text = norm.NFC.String(strings.TrimSpace(text))
	state := s.sessions.Get(h.user.ID)
	switch state.Mode {
	case session.AwaitingInput:
		return s.capture(ctx, h, state, text, source)
	case session.Searching:
		return s.search(ctx, h, text)
	case session.FreeDialogue:
		return s.respond(ctx, h, text)
	case session.Idle:
		h.reply(s.say(h.user, texts.Idle, s.control(h.user, ActionAdd, texts.ButtonAdd)))
		return nil
	}
	return fmt.Errorf("%w: mode %s", session.ErrInvalidTransition, state.Mode)
}

// capture turns text into a moment. Tagging and embedding run before the
// store is touched; if the user cancelled meanwhile the result is dropped.
func (s *Service) capture(ctx context.Context, h *handling, state session.State, text string, source schema.SourceKind) error {
	u := h.user
	if text == "" {
		h.reply(s.say(u, texts.AskMoment))
		return nil
	}
	key := guard.ActionKey(u.ID, "save")
	if !s.guard.TryMark(key) {
		s.log.Debug("Save already in progress", "user_id", u.ID)
		return nil
	}
	defer s.guard.Release(key)

	m := schema.Moment{Content: text, Source: source}
	if tags, err := s.tagger.Tags(ctx, text); err != nil {
		s.log.Warn("Tagging failed", "user_id", u.ID, "error", err)
	} else {
		m.Tags = tags
	}
	if s.embedder != nil {
		if vec, err := s.embedder.Embed(ctx, text); err != nil {
			s.log.Warn("Embedding failed", "user_id", u.ID, "error", err)
		} else {
			m.Embedding = vec
		}
	}

	if cur := s.sessions.Get(u.ID); cur.Mode != session.AwaitingInput {
		s.log.Debug("Capture abandoned", "user_id", u.ID, "mode", cur.Mode)
		return nil
	}

	saved, err := s.store.AddMoment(u.ID, m)
	if err != nil {
		return fmt.Errorf("save moment: %w", err)
	}
	h.moment = &saved
	if _, _, err := s.sessions.Apply(u.ID, session.Captured); err != nil {
		return err
	}
	if lat, ok := state.Latency(s.clock.Now()); ok {
		if _, err := s.store.UpdateUser(u.ID, func(p *schema.UserProfile) error {
			p.Stats.Responses++
			p.Stats.TotalResponseSeconds += lat.Seconds()
			return nil
		}); err != nil {
			s.log.Warn("Could not record response time", "user_id", u.ID, "error", err)
		}
	}
	s.log.Info("Moment captured", "user_id", u.ID, "moment_id", saved.ID, "source", saved.Source, "content", saved.Content)

	h.reply(s.say(u, texts.Saved, saved.ID))
	h.reply(s.say(u, texts.FollowUp,
		s.control(u, ActionAdd, texts.ButtonAdd),
		s.control(u, ActionTalk, texts.ButtonTalk),
	))
	return nil
}

func (s *Service) search(ctx context.Context, h *handling, query string) error {
	u := h.user
	if query == "" {
		h.reply(s.say(u, texts.SearchAsk))
		return nil
	}
	all, err := s.store.Moments(u.ID)
	if err != nil {
		return err
	}
	found, err := s.searcher.Search(ctx, all, query)
	if err != nil {
		s.log.Warn("Search failed", "user_id", u.ID, "error", err)
		found = nil
	}
	if _, _, err := s.sessions.Apply(u.ID, session.Searched); err != nil {
		// cancelled while searching
		return nil
	}
	if len(found) == 0 {
		h.reply(s.say(u, texts.SearchNone))
		return nil
	}
	h.reply(s.say(u, texts.SearchFound, len(found), formatMoments(found)))
	return nil
}

func (s *Service) respond(ctx context.Context, h *handling, message string) error {
	u := h.user
	if s.responder == nil {
		h.reply(s.say(u, texts.TalkStart))
		return nil
	}
	recent, err := s.store.RecentMoments(u.ID, recentLimit)
	if err != nil {
		return err
	}
	answer, err := s.responder.Respond(ctx, u, message, recent)
	if err != nil {
		s.log.Warn("Responder failed", "user_id", u.ID, "error", err)
		h.reply(s.say(u, texts.TalkStart))
		return nil
	}
	if s.sessions.Get(u.ID).Mode != session.FreeDialogue {
		return nil
	}
	h.reply(s.say(u, texts.Reply, answer))
	return nil
}

func (s *Service) say(u schema.UserProfile, key texts.Key, args ...any) schema.Prompt {
	var controls []schema.Control
	var fmtArgs []any
	for _, a := range args {
		if c, ok := a.(schema.Control); ok {
			controls = append(controls, c)
			continue
		}
		fmtArgs = append(fmtArgs, a)
	}
	return schema.Prompt{UserID: u.ID, Text: s.text(u, key, fmtArgs...), Controls: controls}
}

func (s *Service) text(u schema.UserProfile, key texts.Key, args ...any) string {
	locale := u.Locale
	if locale == "" {
		locale = s.locale
	}
	return s.render.Render(locale, u.Addressing, key, args...)
}

func (s *Service) control(u schema.UserProfile, action string, label texts.Key) schema.Control {
	return schema.Control{Action: action, Label: s.text(u, label)}
}

func formatMoments(ms []schema.Moment) string {
	var b strings.Builder
	for i, m := range ms {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d %s %s", m.ID, m.CreatedAt.Format("2006-01-02"), m.Content)
	}
	return b.String()
}

// userGone reports whether err means the user no longer exists.
func userGone(err error) bool {
	return errors.Is(err, engine.ErrUserNotFound)
}
