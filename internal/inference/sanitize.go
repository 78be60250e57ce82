package inference

import (
	"strings"

	"github.com/samcharles93/stepwise/internal/tplparser"
)

var markupReplacer = newMarkupReplacer()

func newMarkupReplacer() *strings.Replacer {
	tokens := tplparser.SpecialTokens()
	pairs := make([]string, 0, 2*len(tokens))
	for _, tok := range tokens {
		pairs = append(pairs, tok, "")
	}
	return strings.NewReplacer(pairs...)
}

// StripMarkup removes chat markup tokens from emitted text. Whitespace is
// kept as is since chunks are concatenated by the caller.
func StripMarkup(text string) string {
	if !strings.Contains(text, "<|") {
		return text
	}
	return markupReplacer.Replace(text)
}
