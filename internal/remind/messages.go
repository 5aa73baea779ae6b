package remind

import (
	"fmt"
	"strings"
)

// Fallback template values used when the day configuration cannot be
// read at fire time. The reminder still goes out.
const (
	placeholderSessionType = "Entrenamiento"
	placeholderLocation    = "Zona de Entrenamiento"
)

var sessionEmoji = map[string]string{
	"Pierna":       "🦵",
	"Funcional":    "💪",
	"Brazo":        "💪",
	"Pecho":        "💪",
	"Espalda":      "🔙",
	"Hombros":      "🔺",
	"Técnica":      "⚙️",
	"Pesas":        "🏋️",
	"Cardio":       "🏃",
	"Flexibilidad": "🧘",
	"Otro":         "❓",
}

func emojiFor(sessionType string) string {
	if e, ok := sessionEmoji[sessionType]; ok {
		return e
	}
	return "✨"
}

// RenderTrainingReminder builds the pre-session reminder sent shortly
// before a training. HTML parse mode.
func RenderTrainingReminder(sessionType, location string, hour, minute int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>¡Es hora de entrenar!</b>\n\n", emojiFor(sessionType))
	fmt.Fprintf(&b, "📅 <b>%02d:%02d</b> • 📍 <b>%s</b>\n", hour, minute, location)
	fmt.Fprintf(&b, "💪 <b>Sesión:</b> %s\n\n", sessionType)
	b.WriteString("🔥 <b>Preparación:</b>\n")
	b.WriteString("   • Llega 5 min antes\n")
	b.WriteString("   • Calentamiento: 5 min en cinta (vel. 5.0)\n")
	b.WriteString("   • Nos vemos en el lugar indicado\n\n")
	b.WriteString("¡Vamos con todo! 💪✨")
	return b.String()
}

// Weekly broadcast variants. The trainer asks every student to plan the
// coming week; the wording changes when Monday is a day off.
const (
	broadcastFullWeek = "Hola muy buenas noches, espero estés bien, " +
		"¿para esta semana como te gustaría programar tu semana de entrenamiento personalizado?\n\n" +
		"Quedo atento a tu respuesta."

	broadcastMondayOff = "Hola hola buenas noches espero estés bien, " +
		"quiera saber esta semana qué días y hora deseas tus entrenamientos.\n\n" +
		"El día de mañana lunes no estaré activo en REPS GYM\n\n" +
		"Quedo atento a tu mensaje."
)

// RenderWeeklyBroadcast picks the broadcast variant for the week.
func RenderWeeklyBroadcast(mondayOff bool) string {
	if mondayOff {
		return broadcastMondayOff
	}
	return broadcastFullWeek
}
