// Package texts is the small localized message catalog used by the bot.
// Every message exists in English and Russian, each with a formal and an
// informal variant.
package texts

import (
	"fmt"

	"golang.org/x/text/language"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// Key names a message.
type Key string

const (
	Welcome          Key = "welcome"
	AskMoment        Key = "ask_moment"
	Saved            Key = "saved"
	FollowUp         Key = "follow_up"
	Cancelled        Key = "cancelled"
	TalkStart        Key = "talk_start"
	TalkExit         Key = "talk_exit"
	SearchAsk        Key = "search_ask"
	SearchNone       Key = "search_none"
	SearchFound      Key = "search_found"
	Recent           Key = "recent"
	RecentEmpty      Key = "recent_empty"
	Paused           Key = "paused"
	Resumed          Key = "resumed"
	IntervalSet      Key = "interval_set"
	HoursSet         Key = "hours_set"
	TimezoneSet      Key = "timezone_set"
	FormalSet        Key = "formal_set"
	BadArgument      Key = "bad_argument"
	Deleted          Key = "deleted"
	NotStarted       Key = "not_started"
	Unknown          Key = "unknown"
	VoiceUnsupported Key = "voice_unsupported"
	Idle             Key = "idle"
	Reply            Key = "reply"

	ButtonAdd    Key = "button_add"
	ButtonSkip   Key = "button_skip"
	ButtonTalk   Key = "button_talk"
	ButtonSearch Key = "button_search"
	ButtonCancel Key = "button_cancel"
)

type variants struct {
	formal, informal string
}

func same(s string) variants { return variants{s, s} }

var (
	supported = []language.Tag{language.English, language.Russian}
	matcher   = language.NewMatcher(supported)
)

var catalog = map[string]map[Key]variants{
	"en": {
		Welcome:          {"Welcome. I will ask you about good moments every %d hours between %s. Send /add any time to write one down.", "Hi! I'll ask about your good moments every %d hours between %s. Send /add whenever you like."},
		AskMoment:        {"What good moment would you like to record?", "What good thing happened?"},
		Saved:            {"Saved as moment #%d.", "Got it, moment #%d saved."},
		FollowUp:         {"Would you like to add another one?", "Anything else worth keeping?"},
		Cancelled:        same("Cancelled."),
		TalkStart:        {"I am listening. Send /exit to finish.", "I'm listening. /exit when you're done."},
		TalkExit:         same("Talk finished."),
		SearchAsk:        {"What should I look for?", "What are we looking for?"},
		SearchNone:       same("Nothing found."),
		SearchFound:      same("Found %d:\n%s"),
		Recent:           same("Recent moments:\n%s"),
		RecentEmpty:      {"You have no moments yet.", "No moments yet."},
		Paused:           same("Reminders paused."),
		Resumed:          same("Reminders resumed."),
		IntervalSet:      same("Reminders every %d hours."),
		HoursSet:         same("Active hours set to %s."),
		TimezoneSet:      same("Timezone set to %s."),
		FormalSet:        {"I will address you formally.", "Okay, casual it is."},
		BadArgument:      same("Could not understand %q."),
		Deleted:          same("Your data has been deleted."),
		NotStarted:       {"Please send /start first.", "Send /start first."},
		Unknown:          same("Unknown command."),
		VoiceUnsupported: {"Voice messages are not supported, please write text.", "I can't listen to voice yet, type it please."},
		Idle:             same("Send /add to record a moment."),
		Reply:            same("%s"),
		ButtonAdd:        same("Add"),
		ButtonSkip:       same("Skip"),
		ButtonTalk:       same("Talk"),
		ButtonSearch:     same("Search"),
		ButtonCancel:     same("Cancel"),
	},
	"ru": {
		Welcome:          {"Добро пожаловать. Я буду спрашивать вас о хороших моментах каждые %d ч. в интервале %s. Отправьте /add, чтобы записать момент.", "Привет! Буду спрашивать тебя о хороших моментах каждые %d ч. в интервале %s. Пиши /add, когда захочешь."},
		AskMoment:        {"Какой хороший момент вы хотите записать?", "Что хорошего случилось?"},
		Saved:            {"Сохранено как момент №%d.", "Записал, момент №%d."},
		FollowUp:         {"Хотите добавить ещё один?", "Ещё что-нибудь?"},
		Cancelled:        same("Отменено."),
		TalkStart:        {"Слушаю вас. Отправьте /exit для завершения.", "Слушаю. /exit, чтобы закончить."},
		TalkExit:         same("Разговор завершён."),
		SearchAsk:        {"Что найти?", "Что ищем?"},
		SearchNone:       same("Ничего не найдено."),
		SearchFound:      same("Найдено %d:\n%s"),
		Recent:           same("Последние моменты:\n%s"),
		RecentEmpty:      {"У вас пока нет моментов.", "Пока пусто."},
		Paused:           same("Напоминания приостановлены."),
		Resumed:          same("Напоминания возобновлены."),
		IntervalSet:      same("Напоминания каждые %d ч."),
		HoursSet:         same("Активные часы: %s."),
		TimezoneSet:      same("Часовой пояс: %s."),
		FormalSet:        {"Буду обращаться к вам на «вы».", "Хорошо, на «ты»."},
		BadArgument:      same("Не удалось разобрать %q."),
		Deleted:          same("Ваши данные удалены."),
		NotStarted:       {"Сначала отправьте /start.", "Сначала /start."},
		Unknown:          same("Неизвестная команда."),
		VoiceUnsupported: {"Голосовые сообщения не поддерживаются, напишите текстом.", "Голосовые пока не понимаю, напиши текстом."},
		Idle:             same("Отправьте /add, чтобы записать момент."),
		Reply:            same("%s"),
		ButtonAdd:        same("Добавить"),
		ButtonSkip:       same("Пропустить"),
		ButtonTalk:       same("Поговорить"),
		ButtonSearch:     same("Поиск"),
		ButtonCancel:     same("Отмена"),
	},
}

// Catalog renders messages. The zero value is ready to use.
type Catalog struct{}

// Match returns the supported base language closest to locale, "en" when
// nothing matches.
func Match(locale string) string {
	tag, _ := language.MatchStrings(matcher, locale)
	base, _ := tag.Base()
	return base.String()
}

// Render formats key for the given locale and addressing. Unknown keys render
// as the key itself so a missing entry is visible rather than blank.
func (Catalog) Render(locale string, addr schema.Addressing, key Key, args ...any) string {
	msgs := catalog[Match(locale)]
	v, ok := msgs[key]
	if !ok {
		v, ok = catalog["en"][key]
		if !ok {
			return string(key)
		}
	}
	format := v.informal
	if addr == schema.AddressFormal {
		format = v.formal
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
