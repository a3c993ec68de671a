package master

import (
	"strings"
	"unicode"

	"github.com/nedfreetoplay/hydrus"
)

// NormalizeTag canonicalizes a tag before master lookup: trim, casefold,
// strip control/format codepoints, collapse internal whitespace, and validate
// the namespace separator. The empty string never normalizes.
func NormalizeTag(tag string) (string, error) {
	var b strings.Builder
	for _, r := range tag {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	clean := strings.Join(strings.Fields(b.String()), " ")

	if namespace, subtag, found := strings.Cut(clean, ":"); found {
		namespace = strings.TrimSpace(namespace)
		subtag = strings.TrimSpace(subtag)
		if subtag == "" {
			return "", hydrus.Errorf(hydrus.BadRequest, "tag %q has an empty subtag", tag)
		}
		if namespace == "" {
			// "series: foo" with a blank namespace is just "foo".
			clean = subtag
		} else {
			clean = namespace + ":" + subtag
		}
	}

	if clean == "" {
		return "", hydrus.Errorf(hydrus.BadRequest, "tag %q normalizes to nothing", tag)
	}
	return clean, nil
}
