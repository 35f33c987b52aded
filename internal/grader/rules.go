package grader

import (
	"strings"
	"unicode"

	"github.com/examhall/examhall/internal/model"
)

// spellingPairs maps British spellings to their American forms so that
// either variant of an answer key matches either variant of an answer.
var spellingPairs = map[string]string{
	"organisation":    "organization",
	"organise":        "organize",
	"colour":          "color",
	"behaviour":       "behavior",
	"labour":          "labor",
	"favour":          "favor",
	"centre":          "center",
	"metre":           "meter",
	"litre":           "liter",
	"theatre":         "theater",
	"analyse":         "analyze",
	"catalyse":        "catalyze",
	"defence":         "defense",
	"offence":         "offense",
	"licence":         "license",
	"practise":        "practice",
	"programme":       "program",
	"aluminium":       "aluminum",
	"sulphur":         "sulfur",
	"grey":            "gray",
	"travelling":      "traveling",
	"modelling":       "modeling",
	"fulfil":          "fulfill",
	"characterise":    "characterize",
	"characterised":   "characterized",
	"recognise":       "recognize",
	"recognised":      "recognized",
	"maximise":        "maximize",
	"minimise":        "minimize",
	"neighbour":       "neighbor",
	"vapour":          "vapor",
	"oxidise":         "oxidize",
	"oxidised":        "oxidized",
	"crystallise":     "crystallize",
	"crystallisation": "crystallization",
}

// noiseWords are function words ignored during token-set comparison.
var noiseWords = map[string]bool{
	"and": true, "or": true, "of": true, "for": true, "in": true,
	"to": true, "is": true, "are": true, "was": true, "were": true,
	"be": true,
}

// ScoreAnswer grades an answer by string comparison alone. It handles
// multiple-choice and true/false by option-letter or option-text match
// and fill-in-the-blank / short answers by normalized and token-set
// comparison. An empty answer is always incorrect.
func ScoreAnswer(q model.Question, answer string) model.Verdict {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return model.Verdict{IsCorrect: false, Score: 0}
	}

	var correct bool
	switch q.Type {
	case model.TypeMultipleChoice, model.TypeTrueFalse:
		correct = matchChoice(q, answer)
	default:
		correct = matchText(q.CorrectAnswer, answer)
	}

	v := model.Verdict{IsCorrect: correct}
	if correct {
		v.Score = 1
	}
	return v
}

// matchChoice compares choice answers. The answer may be the bare
// option letter ("B"), the full option line ("B. Neon"), or the option
// text itself ("Neon"); all compare equal to the stored key.
func matchChoice(q model.Question, answer string) bool {
	key := strings.TrimSpace(q.CorrectAnswer)
	if key == "" {
		return false
	}
	if strings.EqualFold(optionLetter(answer), optionLetter(key)) && optionLetter(answer) != "" {
		return true
	}
	if normalize(answer) == normalize(key) {
		return true
	}
	// The key may be a letter while the student typed the option text,
	// or the other way around. Resolve both through the options list.
	keyText := resolveOption(q.Options, key)
	ansText := resolveOption(q.Options, answer)
	return keyText != "" && normalize(keyText) == normalize(ansText)
}

// optionLetter extracts a leading single-letter label like "B" from
// "B", "b)", or "B. Neon". Returns "" when there is none.
func optionLetter(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r := rune(s[0])
	if !unicode.IsLetter(r) {
		return ""
	}
	rest := strings.TrimSpace(s[1:])
	if rest == "" {
		return strings.ToUpper(string(r))
	}
	if rest[0] == '.' || rest[0] == ')' || rest[0] == ':' {
		return strings.ToUpper(string(r))
	}
	return ""
}

// resolveOption maps a letter or option text to the full option text.
func resolveOption(options []string, s string) string {
	letter := optionLetter(s)
	for _, opt := range options {
		if letter != "" && optionLetter(opt) == letter {
			return stripOptionLabel(opt)
		}
		if normalize(stripOptionLabel(opt)) == normalize(s) {
			return stripOptionLabel(opt)
		}
	}
	return s
}

func stripOptionLabel(opt string) string {
	if letter := optionLetter(opt); letter != "" {
		rest := strings.TrimSpace(opt[1:])
		rest = strings.TrimLeft(rest, ".):")
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(opt)
}

// matchText compares free-text answers through progressively looser
// tiers: exact normalized match, then spelling-unified match, then
// order-insensitive token-set match.
func matchText(key, answer string) bool {
	nk, na := normalize(key), normalize(answer)
	if nk == "" {
		return false
	}
	if nk == na {
		return true
	}
	uk, ua := unifySpelling(nk), unifySpelling(na)
	if uk == ua {
		return true
	}
	return tokenSetMatch(uk, ua)
}

// normalize lowercases, drops leading articles, strips punctuation,
// and collapses whitespace.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(s, article) {
			s = s[len(article):]
			break
		}
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// unifySpelling rewrites British spellings to American ones word by word.
func unifySpelling(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if us, ok := spellingPairs[w]; ok {
			words[i] = us
		}
	}
	return strings.Join(words, " ")
}

// tokenSetMatch reports whether every significant word of the key
// appears in the answer, ignoring order, noise words, single-letter
// fragments, and a trailing plural s. Extra detail in the answer is
// not penalized: "food, shelter and warm clothing" satisfies the key
// "food and shelter".
func tokenSetMatch(key, answer string) bool {
	kt, at := tokenSet(key), tokenSet(answer)
	if len(kt) == 0 || len(at) == 0 {
		return false
	}
	for w := range kt {
		if !at[w] {
			return false
		}
	}
	return true
}

func tokenSet(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		if noiseWords[w] || len(w) < 2 {
			continue
		}
		tokens[stem(w)] = true
	}
	return tokens
}

// stem drops a trailing plural s so "forces" matches "force". Words
// ending in "ss" and very short words are left alone.
func stem(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}
