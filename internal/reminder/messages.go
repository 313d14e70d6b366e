package reminder

import (
	"strings"
	"time"

	"leadsync/internal/clock"
	"leadsync/internal/messaging/zapi"
)

const DefaultVideoURL = "https://www.youtube.com/watch?v=fKepCx3lMZI"

// Messages renders reminder texts. Times are formatted in the zone of the
// instant passed in.
type Messages struct {
	VideoURL string
}

func (m Messages) video() string {
	if m.VideoURL == "" {
		return DefaultVideoURL
	}
	return m.VideoURL
}

// FirstName is the first word of name.
func FirstName(name string) string {
	f := strings.Fields(name)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func (m Messages) LeadDayBefore(name string, meeting time.Time) string {
	return "Hello Hello, " + FirstName(name) + "! Amanhã temos nossa reunião às " + clock.FormatHourMinute(meeting) +
		". Estamos ansiosos para falar com você!\n\n" +
		"Aproveite e assista a este vídeo para entender por que nosso método é diferenciado!\n👉 " + m.video()
}

func (m Messages) LeadSameDay(name string, meeting time.Time) string {
	return "Hello " + FirstName(name) + ", tudo certo para a nossa reunião hoje às " + clock.FormatHourMinute(meeting) + "?"
}

func (m Messages) AdminMorning(name string, meeting time.Time) string {
	return "🔔 Lembrete de Reunião: Hoje temos um encontro com o lead *" + name + "* às *" + clock.FormatHourMinute(meeting) + "*."
}

func (m Messages) AdminHourBefore(name string, meeting time.Time) string {
	return "⏰ Atenção: A reunião com *" + name + "* começa em 1 hora, às *" + clock.FormatHourMinute(meeting) + "*."
}

// AdminLinks points the sales team at the CRM page and, when known, the
// lead's WhatsApp chat.
func (m Messages) AdminLinks(recordKey, phone string) string {
	s := "\n\n📄 Notion: https://www.notion.so/" + strings.ReplaceAll(recordKey, "-", "")
	if d := zapi.Digits(phone); d != "" {
		s += "\n💬 WhatsApp: wa.me/" + d
	}
	return s
}
