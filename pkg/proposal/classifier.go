package proposal

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Verdict is the outcome of classifying a user message against pending
// proposals.
type Verdict struct {
	Rejection  bool   `json:"rejection"`
	Rule       string `json:"rule,omitempty"`
	Normalized string `json:"normalized"`
}

// Classification rules.
const (
	RuleStandalone = "standalone"
	RuleLeading    = "leading"
	RuleDirected   = "directed"
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var (
	// standaloneWords reject when they make up the whole message.
	standaloneWords = set("no", "nope", "nah", "stop", "wait", "cancel", "abort", "undo", "halt", "don't", "dont", "nevermind", "please")
	// standalonePhrases reject when they are the whole message.
	standalonePhrases = set("hold on", "hold up", "hold off", "hang on", "never mind", "not now", "not yet", "do not", "stop it", "cancel it", "forget it",
		"no thanks", "no thank you", "not that", "not that one", "not this one", "wrong one")
	// leadWords open a message that may continue with a rejection.
	leadWords = set("no", "nope", "nah", "wait", "stop", "cancel", "abort", "undo", "halt", "hold", "hang", "don't", "dont")
	// strongWords reject when they directly follow a lead word.
	strongWords = set("stop", "cancel", "abort", "undo", "wait", "halt", "nevermind", "wrong")
	// strongPairs are two-word strong signals.
	strongPairs = set("hold on", "hold off", "hold up", "hang on", "never mind", "not now", "not yet", "not that", "not this", "no thanks")
	// haltVerbs reject when followed by a reference to the proposal.
	haltVerbs = set("cancel", "stop", "undo", "scrap", "revert", "abort", "drop", "forget", "kill", "reverse")
	// actionVerbs reject when negated and followed by a reference.
	actionVerbs = set("do", "change", "update", "send", "book", "cancel", "delete", "make", "apply", "touch", "run",
		"execute", "submit", "charge", "publish", "post", "save", "set", "raise", "lower", "modify", "remove", "add")
	proceedWords = set("proceed", "continue")
	refs         = set("that", "it", "this", "those", "these", "them", "anything")
	// trailers may follow a reference without turning it into a noun phrase.
	trailers = set("please", "now", "then", "anymore", "right", "away", "for", "me", "us", "instead", "again", "thanks", "thank", "you", "already")
	// connectors may open a clause before a directed rejection.
	connectors = set("and", "but", "so", "ok", "okay", "actually", "just", "please", "oh", "then", "also", "um", "hmm")
	// connectorPairs are two-word clause openers.
	connectorPairs = set("i said", "i meant", "i mean")
)

// confusables folds lower-case letters from other scripts that render like
// Latin ones.
var confusables = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'ѕ': 's', 'і': 'i', 'ј': 'j', 'ԁ': 'd', 'ո': 'n', 'т': 't', 'һ': 'h',
	'н': 'h', 'к': 'k', 'м': 'm', 'в': 'b',
	'ο': 'o', 'α': 'a', 'ν': 'v', 'τ': 't', 'ι': 'i', 'κ': 'k', 'ρ': 'p', 'ε': 'e',
	'\u2018': '\'', '\u2019': '\'', '\u02bc': '\'', '`': '\'', '\u00b4': '\'',
}

// Normalize canonicalizes a message for classification: NFKC, lower case,
// confusable folding, no zero-width characters, single spaces.
func Normalize(msg string) string {
	msg = norm.NFKC.String(msg)
	var b strings.Builder
	b.Grow(len(msg))
	space := false
	for _, r := range msg {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			continue
		}
		// Upper-case lookalikes fold only once lowered.
		r = unicode.ToLower(r)
		if c, ok := confusables[r]; ok {
			r = c
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func tokenize(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
}

// clauses splits a normalized message at sentence and clause punctuation.
func clauses(normalized string) [][]string {
	parts := strings.FieldsFunc(normalized, func(r rune) bool {
		return strings.ContainsRune(".,;:!?", r)
	})
	out := make([][]string, 0, len(parts))
	for _, p := range parts {
		if tokens := tokenize(p); len(tokens) > 0 {
			out = append(out, tokens)
		}
	}
	return out
}

// Classify decides whether msg rejects the session's pending proposals.
//
// A message rejects when it is entirely a short rejection ("no", "stop.",
// "no thanks"), when it opens with a rejection keyword that is immediately
// followed by another rejection ("wait, cancel that", "nope, wrong date"), or
// when a clause opens by aiming a rejection at the proposal ("cancel that",
// "don't do it", "please don't change that"). A rejection word elsewhere in
// an unrelated sentence does not count: "No, I don't have other questions"
// is an answer, and "can you cancel that booking too?" is a new request.
func Classify(msg string) Verdict {
	normalized := Normalize(msg)
	v := Verdict{Normalized: normalized}

	cls := clauses(normalized)
	if len(cls) == 0 {
		return v
	}
	var tokens []string
	for _, c := range cls {
		tokens = append(tokens, c...)
	}

	switch {
	case isStandalone(tokens):
		v.Rejection, v.Rule = true, RuleStandalone
	case isLeading(tokens, cls):
		v.Rejection, v.Rule = true, RuleLeading
	case isDirected(cls):
		v.Rejection, v.Rule = true, RuleDirected
	}
	return v
}

// IsRejection is Classify(msg).Rejection.
func IsRejection(msg string) bool {
	return Classify(msg).Rejection
}

func isStandalone(tokens []string) bool {
	if len(tokens) > 4 {
		return false
	}
	all := true
	for _, t := range tokens {
		if !standaloneWords[t] {
			all = false
			break
		}
	}
	if all {
		// "please" alone is not a rejection.
		for _, t := range tokens {
			if t != "please" {
				return true
			}
		}
		return false
	}

	trimmed := tokens
	if trimmed[0] == "please" {
		trimmed = trimmed[1:]
	}
	if n := len(trimmed); n > 0 && trimmed[n-1] == "please" {
		trimmed = trimmed[:n-1]
	}
	return standalonePhrases[strings.Join(trimmed, " ")]
}

func strongAt(tokens []string, i int) bool {
	if i >= len(tokens) {
		return false
	}
	if strongWords[tokens[i]] {
		return true
	}
	return i+1 < len(tokens) && strongPairs[tokens[i]+" "+tokens[i+1]]
}

func isLeading(tokens []string, cls [][]string) bool {
	if !leadWords[tokens[0]] {
		return false
	}
	next := 1
	// two-word leads
	if (tokens[0] == "hold" || tokens[0] == "hang") && len(tokens) > 1 && (tokens[1] == "on" || tokens[1] == "up" || tokens[1] == "off") {
		next = 2
	}
	if (tokens[0] == "hold" || tokens[0] == "hang") && next == 1 {
		return false
	}
	// repeated leads like "no no, stop"
	for next < len(tokens) && tokens[next] == tokens[0] {
		next++
	}
	if next == len(tokens) {
		return false
	}
	if strongAt(tokens, next) {
		return true
	}
	// A directed rejection right after the lead, in the same clause or as
	// the next one: "wait, don't change that".
	first := cls[0]
	if next < len(first) {
		return directedAt(first, next)
	}
	if next == len(first) && len(cls) > 1 {
		return directedAt(cls[1], clauseStart(cls[1]))
	}
	return false
}

// isDirected reports whether any clause opens with a directed rejection.
func isDirected(cls [][]string) bool {
	for _, c := range cls {
		if directedAt(c, clauseStart(c)) {
			return true
		}
	}
	return false
}

// clauseStart skips filler that may open a clause.
func clauseStart(clause []string) int {
	i := 0
	for i < len(clause) {
		switch {
		case connectors[clause[i]]:
			i++
		case i+1 < len(clause) && connectorPairs[clause[i]+" "+clause[i+1]]:
			i += 2
		default:
			return i
		}
	}
	return i
}

// negationAt returns the index after a negation starting at i, or -1.
func negationAt(tokens []string, i int) int {
	switch tokens[i] {
	case "don't", "dont", "never":
		return i + 1
	case "do":
		if i+1 < len(tokens) && tokens[i+1] == "not" {
			return i + 2
		}
	}
	return -1
}

// refEndsAt reports whether a reference at i closes the phrase, so "cancel
// that" counts and "cancel that booking" does not.
func refEndsAt(clause []string, i int) bool {
	if i >= len(clause) || !refs[clause[i]] {
		return false
	}
	for _, t := range clause[i+1:] {
		if !trailers[t] {
			return false
		}
	}
	return true
}

func directedAt(clause []string, i int) bool {
	if i >= len(clause) {
		return false
	}
	if haltVerbs[clause[i]] && refEndsAt(clause, i+1) {
		return true
	}

	j := negationAt(clause, i)
	if j < 0 || j >= len(clause) {
		return false
	}
	if proceedWords[clause[j]] {
		return true
	}
	if clause[j] == "go" && j+1 < len(clause) && clause[j+1] == "ahead" {
		return true
	}
	return actionVerbs[clause[j]] && refEndsAt(clause, j+1)
}
