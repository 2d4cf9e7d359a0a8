// Package classifier maps free-text inbound replies to a coarse intent.
// Pure functions only; persistence and side effects live in the lifecycle
// service.
package classifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"followup/internal/domain"
)

// Result carries the intent plus the keyword that matched. Phrases are
// checked before single words; among words the first matching token wins.
type Result struct {
	Intent  domain.Intent
	Keyword string
}

// Working language of the marketplace is Spanish. Decline is checked before
// confirm so "no confirmo" declines.
var (
	declinePhrases = []string{"no gracias", "ya no", "no quiero", "no me interesa"}
	confirmPhrases = []string{"de acuerdo", "esta bien", "me interesa"}

	declineWords = map[string]struct{}{
		"no": {}, "cancelar": {}, "cancela": {}, "cancelo": {},
		"rechazo": {}, "rechazar": {}, "nunca": {},
	}
	confirmWords = map[string]struct{}{
		"si": {}, "confirmo": {}, "confirmar": {}, "confirmado": {},
		"acepto": {}, "dale": {}, "ok": {}, "okay": {}, "listo": {},
		"claro": {}, "perfecto": {},
	}
)

func Classify(body string) Result {
	text := Normalize(body)
	if text == "" {
		return Result{Intent: domain.IntentUnknown}
	}

	if kw, ok := matchPhrase(text, declinePhrases); ok {
		return Result{Intent: domain.IntentDecline, Keyword: kw}
	}
	tokens := tokenize(text)
	if kw, ok := matchWord(tokens, declineWords); ok {
		return Result{Intent: domain.IntentDecline, Keyword: kw}
	}
	if kw, ok := matchPhrase(text, confirmPhrases); ok {
		return Result{Intent: domain.IntentConfirm, Keyword: kw}
	}
	if kw, ok := matchWord(tokens, confirmWords); ok {
		return Result{Intent: domain.IntentConfirm, Keyword: kw}
	}
	return Result{Intent: domain.IntentUnknown}
}

// Normalize trims, lowercases and strips accents, so "Sí" matches "si".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func matchPhrase(text string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p, true
		}
	}
	return "", false
}

func matchWord(tokens []string, words map[string]struct{}) (string, bool) {
	for _, tok := range tokens {
		if _, ok := words[tok]; ok {
			return tok, true
		}
	}
	return "", false
}
