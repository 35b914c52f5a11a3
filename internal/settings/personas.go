package settings

import "fmt"

// Persona selects the system instruction template.
type Persona string

const (
	PersonaTranslator Persona = "translator"
	PersonaDoctor     Persona = "doctor"
	PersonaLawyer     Persona = "lawyer"
	PersonaTeacher    Persona = "teacher"
	PersonaAssistant  Persona = "assistant"
)

// IsValid reports whether p is a known persona.
func (p Persona) IsValid() bool {
	_, ok := personaIndex[p]
	return ok
}

// PersonaInfo describes one selectable persona.
type PersonaInfo struct {
	ID   Persona `json:"id"`
	Name string  `json:"name"`

	// instruction is the fixed system prompt; empty for the translator,
	// whose prompt depends on the target language.
	instruction string
}

// Personas lists every persona in display order.
var Personas = []PersonaInfo{
	{ID: PersonaTranslator, Name: "Translator"},
	{ID: PersonaDoctor, Name: "Doctor", instruction: "You are an empathetic medical doctor. Provide health guidance and always include a disclaimer."},
	{ID: PersonaLawyer, Name: "Lawyer", instruction: "You are a precise legal consultant. Help understand legal concepts without providing official legal advice."},
	{ID: PersonaTeacher, Name: "Teacher", instruction: "You are a patient teacher. Simplify complex topics with clear examples."},
	{ID: PersonaAssistant, Name: "Assistant", instruction: "You are a proactive personal assistant. Help organize tasks efficiently."},
}

var personaIndex = func() map[Persona]PersonaInfo {
	m := make(map[Persona]PersonaInfo, len(Personas))
	for _, p := range Personas {
		m[p.ID] = p
	}
	return m
}()

// translatorPromptTemplate is formatted with the target language.
const translatorPromptTemplate = `TARGET_LANGUAGE: %s

ROLE
You are a real-time interpreter. Everything you hear is speech to be translated into TARGET_LANGUAGE and spoken aloud. Never answer, comment on or summarise what was said; only translate it.

DELIVERY
Read the translation aloud the way the speaker said the original. Keep their pace, pauses, emphasis and mood. Keep hesitations and self-corrections, using the natural equivalents of the target language. Do not add drama that is not in the source.

ACCURACY
Preserve names, numbers, dates, addresses and brand terms exactly. Do not add or drop ideas. Match the speaker's intensity without escalating it. If the speaker already uses TARGET_LANGUAGE, repeat what they said.

OUTPUT
Speak only the translation. No labels, no explanations, no meta commentary.`

// Instruction returns the system prompt for p. The translator prompt is
// built for lang.
func Instruction(p Persona, lang string) (string, error) {
	info, ok := personaIndex[p]
	if !ok {
		return "", fmt.Errorf("settings: unknown persona %q", p)
	}
	if p == PersonaTranslator {
		return fmt.Sprintf(translatorPromptTemplate, lang), nil
	}
	return info.instruction, nil
}

// Language is one selectable target language.
type Language struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Languages lists the suggested target languages. Any non-empty value is
// accepted; the list only feeds pickers.
var Languages = []Language{
	{"English (US)", "English (United States)"},
	{"English (UK)", "English (United Kingdom)"},
	{"English (Australia)", "English (Australia)"},
	{"English (India)", "English (India)"},
	{"Spanish (Spain)", "Spanish (Spain)"},
	{"Spanish (Mexico)", "Spanish (Mexico)"},
	{"German (Germany)", "German (Germany)"},
	{"German (Austria)", "German (Austria)"},
	{"German (Switzerland)", "German (Switzerland)"},
	{"French (France)", "French (France)"},
	{"French (Canada)", "French (Canada)"},
	{"French (Belgium)", "French (Belgium)"},
	{"Dutch (Netherlands)", "Dutch (Netherlands)"},
	{"Dutch (Belgium/Flemish)", "Dutch (Belgium/Flemish)"},
	{"Italian (Italy)", "Italian (Italy)"},
	{"Portuguese (Brazil)", "Portuguese (Brazil)"},
	{"Portuguese (Portugal)", "Portuguese (Portugal)"},
	{"Polish (Poland)", "Polish (Poland)"},
	{"Swedish (Sweden)", "Swedish (Sweden)"},
	{"Danish (Denmark)", "Danish (Denmark)"},
	{"Norwegian (Norway)", "Norwegian (Norway)"},
	{"Finnish (Finland)", "Finnish (Finland)"},
	{"Greek (Greece)", "Greek (Greece)"},
	{"Czech (Czech Republic)", "Czech (Czech Republic)"},
	{"Ukrainian (Ukraine)", "Ukrainian (Ukraine)"},
	{"Russian (Russia)", "Russian (Russia)"},
	{"Turkish (Turkey)", "Turkish (Turkey)"},
	{"Arabic (Modern Standard)", "Arabic (Modern Standard)"},
	{"Hebrew (Israel)", "Hebrew (Israel)"},
	{"Hindi (India)", "Hindi (India)"},
	{"Japanese (Japan)", "Japanese (Japan)"},
	{"Korean (South Korea)", "Korean (South Korea)"},
	{"Chinese (Mandarin, Simplified)", "Chinese (Mandarin, Simplified)"},
	{"Chinese (Cantonese)", "Chinese (Cantonese)"},
	{"Vietnamese (Vietnam)", "Vietnamese (Vietnam)"},
	{"Thai (Thailand)", "Thai (Thailand)"},
	{"Indonesian (Indonesia)", "Indonesian (Indonesia)"},
	{"Filipino (Tagalog)", "Filipino (Tagalog)"},
	{"Cebuano (Philippines)", "Cebuano (Philippines)"},
	{"Swahili (East Africa)", "Swahili (East Africa)"},
}

// Voices lists the prebuilt Gemini Live voices.
var Voices = []string{
	"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Leda", "Orus", "Aoede",
	"Callirrhoe", "Autonoe", "Enceladus", "Iapetus", "Umbriel", "Algieba",
	"Despina", "Erinome", "Algenib", "Rasalgethi", "Laomedeia", "Achernar",
	"Alnilam", "Schedar", "Gacrux", "Pulcherrima", "Achird", "Zubenelgenubi",
	"Vindemiatrix", "Sadachbia", "Sadaltager", "Sulafat",
}
