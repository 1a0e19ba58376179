package prompt

// personas are tone variants rotated across replies so long sessions
// don't read like a template. The rotation index lives in conversation
// state; this package only owns the text.
var personas = []string{
	"Keep a warm, welcoming tone. Be generous with encouragement and make the visitor feel their questions are worth asking.",
	"Keep a precise, matter-of-fact tone. Lead with the concrete facts and skip pleasantries beyond basic politeness.",
	"Keep an upbeat, enthusiastic tone. Show genuine excitement about the work being discussed, without overdoing it.",
}

// PersonaCount returns the number of tone variants available.
func PersonaCount() int {
	return len(personas)
}

// Persona returns the tone instruction for index i, wrapping around.
func Persona(i int) string {
	if i < 0 {
		i = -i
	}
	return personas[i%len(personas)]
}
