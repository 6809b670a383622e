package normalize

import (
	"strings"

	"github.com/slabdeck/cardsync/internal/model"
)

// Finish maps a vendor printing label to a canonical finish by substring
// rules: "reverse" wins over "holo", "cosmos" counts as holo, anything else
// is non-holo.
func Finish(label string) model.Finish {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case strings.Contains(l, "reverse"):
		return model.FinishReverseHolo
	case strings.Contains(l, "holo"), strings.Contains(l, "cosmos"):
		return model.FinishHolo
	default:
		return model.FinishNonHolo
	}
}

// conditionMap maps lowercased vendor condition strings to short tokens.
var conditionMap = map[string]string{
	"near mint":         "nm",
	"near mint-mint":    "nm",
	"nm":                "nm",
	"mint":              "mint",
	"gem mint":          "gem",
	"lightly played":    "lp",
	"light play":        "lp",
	"excellent":         "lp",
	"moderately played": "mp",
	"played":            "mp",
	"good":              "mp",
	"heavily played":    "hp",
	"poor":              "dmg",
	"damaged":           "dmg",
	"sealed":            "sealed",
	"graded":            "graded",
}

// Condition maps a vendor condition string to a short token. Unknown
// strings degrade to a lowercase no-space token rather than failing.
func Condition(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	if c == "" {
		return "nm"
	}
	if tok, ok := conditionMap[c]; ok {
		return tok
	}
	return strings.ReplaceAll(c, " ", "")
}

// Edition collapses a vendor edition label to 1st-edition, unlimited or
// unknown.
func Edition(raw string) model.Edition {
	e := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case e == "":
		return model.EditionUnlimited
	case strings.Contains(e, "1st"), strings.Contains(e, "first"):
		return model.EditionFirst
	case strings.Contains(e, "unlimited"):
		return model.EditionUnlimited
	default:
		return model.EditionUnknown
	}
}

// languageMap maps vendor language names to two-letter abbreviations.
var languageMap = map[string]string{
	"english":             "en",
	"japanese":            "jp",
	"german":              "de",
	"french":              "fr",
	"italian":             "it",
	"spanish":             "es",
	"portuguese":          "pt",
	"korean":              "kr",
	"chinese":             "zh",
	"chinese simplified":  "zh",
	"chinese traditional": "zh",
	"dutch":               "nl",
	"polish":              "pl",
	"russian":             "ru",
}

// Language maps a vendor language string to an abbreviation, defaulting to
// "en" when empty and falling back to a sanitized token when unrecognized.
func Language(raw string) string {
	l := strings.ToLower(strings.TrimSpace(raw))
	if l == "" {
		return "en"
	}
	if abbr, ok := languageMap[l]; ok {
		return abbr
	}
	if len(l) <= 3 {
		return l
	}
	if s := Slug(l); s != "" {
		return s
	}
	return "unknown"
}

// Stamp slugifies a stamp label, or returns "none" when absent.
func Stamp(raw string) string {
	s := Slug(raw)
	if s == "" {
		return "none"
	}
	return s
}

// Grade normalizes a grading label ("PSA 10", "BGS 9.5") to a compact
// token, or "raw" for ungraded cards.
func Grade(raw string) string {
	g := Slug(raw)
	if g == "" {
		return "raw"
	}
	return g
}
