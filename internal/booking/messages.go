package booking

import (
	"time"

	"leadsync/internal/clock"
)

const (
	DefaultMeetingURL   = "https://us06web.zoom.us/j/8902841864?pwd=OIjXN37C7fjELriVg4y387EbXUSVsR.1"
	DefaultPlacementURL = "https://student.flexge.com/v2/placement/karoleloi"
)

func confirmationText(name string, start time.Time, meetingURL string) string {
	return "Pronto, " + name + "!!\n\n" +
		"✅ Sua reunião está confirmada para *" + clock.FormatDayMonth(start) + "* às *" + clock.FormatHourMinute(start) + "*.\n\n" +
		"🖥️ Acesse a sala da reunião no link abaixo 👇\n" + meetingURL
}

func placementText(placementURL string) string {
	return "Antes disso, que tal fazer nosso teste de nivelamento?\n👉 " + placementURL +
		"\nFaça o teste sem pressa, no seu tempo, ok? 😉"
}

func videoText(videoURL string) string {
	return "Aproveite e assista a este vídeo para entender por que nosso método é diferenciado!\n👉 " + videoURL
}

func salesText(name, formatted string) string {
	return "💼 Nova Reunião Agendada!\n\n👤 Cliente: " + name + "\n📅 Data: " + formatted
}

func scheduledContext(name, formatted string) string {
	return "Reunião agendada para " + name + " em " + formatted
}

// manualLeadText is the short reminder an operator can send or schedule by
// hand; which is "1d" or "4h".
func manualLeadText(which, firstName string, meeting time.Time) (string, bool) {
	hm := clock.FormatHourMinute(meeting)
	switch which {
	case "1d":
		return "Olá " + firstName + ", amanhã temos nossa reunião às " + hm + ". Ansiosos para falar com você!", true
	case "4h":
		return "Oi " + firstName + ", tudo certo para a nossa reunião hoje às " + hm + "?", true
	}
	return "", false
}
