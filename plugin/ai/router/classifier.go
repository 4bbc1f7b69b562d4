package router

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ShortAnswerLimit is the rune count under which a reply counts as a short answer.
const ShortAnswerLimit = 20

// KeywordSet routes texts containing any of its keywords to a category.
type KeywordSet struct {
	Category Category
	Keywords []string
}

var (
	greetings = []string{"hola", "buenos días", "buenas tardes", "buenas noches", "hi", "hello"}

	restartPhrases = []string{"hola de nuevo", "empecemos de nuevo", "otra cosa", "cambio de tema"}

	shortAnswers = map[string]bool{
		"sí": true, "si": true, "no": true, "ok": true,
		"está bien": true, "bueno": true, "dale": true,
	}

	checkinPatterns = []string{
		"bien", "mal", "más o menos", "regular", "cansada", "dormí", "sueño",
		"energía", "ánimo", "hoy me siento", "estoy", "me siento", "amanecí", "desperté",
	}
)

// DefaultKeywordSets returns the built-in category keyword sets in priority order.
func DefaultKeywordSets() []KeywordSet {
	return []KeywordSet{
		{
			Category: CategoryMedication,
			Keywords: []string{
				"receta", "medicamento", "pastilla", "tableta", "cápsula", "jarabe",
				"dosis", "tomar", "mg", "ml", "cada", "horas", "mañana", "noche",
				"antes", "después", "comida", "farmacia", "médico recetó", "me recetaron",
			},
		},
		{
			Category: CategoryAppointments,
			Keywords: []string{
				"cita", "consulta", "hora", "turno", "agendar", "reservar",
				"doctor", "doctora", "médico", "médica", "especialista",
				"ginecólogo", "ginecóloga", "cancelar", "reagendar", "cambiar",
				"confirmar", "hospital", "clínica", "centro médico",
			},
		},
	}
}

// Classifier implements the ordered, deterministic category rules.
type Classifier struct {
	keywordSets []KeywordSet
}

// NewClassifier creates a classifier. Keyword sets are checked in the given order;
// with no sets the defaults are used.
func NewClassifier(sets ...KeywordSet) *Classifier {
	if len(sets) == 0 {
		sets = DefaultKeywordSets()
	}
	normalized := make([]KeywordSet, 0, len(sets))
	for _, s := range sets {
		kws := make([]string, 0, len(s.Keywords))
		for _, kw := range s.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) > 0 {
			normalized = append(normalized, KeywordSet{Category: s.Category, Keywords: kws})
		}
	}
	return &Classifier{keywordSets: normalized}
}

// Classify maps text plus conversation state to a category. First match wins:
//
//	0. awaiting a response and the text is a short answer: current topic
//	1. greeting (a mid-conversation greeting without a restart phrase continues the topic)
//	2. category keyword sets in priority order
//	3. check-in answer heuristic
//	4. any risk signal: triage
//	5. general
func (c *Classifier) Classify(text string, state State) Classification {
	lower := normalize(text)

	if state.AwaitingResponse && IsShortAnswer(lower) {
		return Classification{Category: CategoryForTopic(state.ActiveTopic), Rule: RulePending}
	}

	if IsGreeting(lower) {
		if state.TurnsOnTopic > 0 && state.ActiveTopic != TopicNone && !IsRestart(lower) {
			return Classification{Category: CategoryForTopic(state.ActiveTopic), Rule: RuleContinuation}
		}
		return Classification{Category: CategoryGreeting, Rule: RuleGreeting}
	}

	for _, set := range c.keywordSets {
		if containsAny(lower, set.Keywords) {
			return Classification{Category: set.Category, Rule: RuleKeyword}
		}
	}

	if containsAny(lower, checkinPatterns) ||
		(state.ActiveTopic == TopicCheckin && isShort(lower)) {
		return Classification{Category: CategoryCheckin, Rule: RuleCheckin}
	}

	if Assess(lower).Tier != TierNone {
		return Classification{Category: CategoryTriage, Rule: RuleRisk}
	}

	return Classification{Category: CategoryGeneral, Rule: RuleDefault}
}

// IsGreeting reports an exact or prefix match against the greeting list.
// A prefix only counts at a word boundary, so "hijo" is not "hi".
func IsGreeting(text string) bool {
	lower := normalize(text)
	for _, g := range greetings {
		if lower == g {
			return true
		}
		if strings.HasPrefix(lower, g) {
			next, _ := utf8.DecodeRuneInString(lower[len(g):])
			if !unicode.IsLetter(next) && !unicode.IsDigit(next) {
				return true
			}
		}
	}
	return false
}

// IsRestart reports whether the text asks to start over.
func IsRestart(text string) bool {
	return containsAny(normalize(text), restartPhrases)
}

// IsShortAnswer reports a bare affirmative/negative token or a short text.
func IsShortAnswer(text string) bool {
	lower := strings.TrimRight(normalize(text), ".!¡?¿ ")
	return shortAnswers[lower] || isShort(lower)
}

func isShort(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < ShortAnswerLimit
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
