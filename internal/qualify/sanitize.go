package qualify

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	htmlTagRE  = regexp.MustCompile(`<[^>]*>`)
	multiWSRE  = regexp.MustCompile(`[ \t]{2,}`)
	multiNLRE  = regexp.MustCompile(`\n{3,}`)
	htmlEscMap = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
)

// Sanitize normalizes notice text before it is embedded in a prompt:
// NFKC normalization, HTML tags and entities stripped, control
// characters removed, whitespace collapsed. Newlines survive so
// paragraph structure stays readable to the model.
func Sanitize(s string) string {
	s = norm.NFKC.String(s)
	s = htmlTagRE.ReplaceAllString(s, " ")
	s = htmlEscMap.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// drop
		default:
			b.WriteRune(r)
		}
	}
	s = b.String()

	s = multiWSRE.ReplaceAllString(s, " ")
	s = multiNLRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
