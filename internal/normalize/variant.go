package normalize

import "strings"

// VariantKey builds the deterministic 6-segment join key
// printing:edition:stamp:condition:language:grade shared by the price
// history, derived metrics and display layers. Each segment rule is total,
// so the key is byte-identical across independent computations of the same
// logical variant and never empty.
func VariantKey(printingLabel, edition, stamp, condition, language, grade string) string {
	segs := [6]string{
		printingSegment(printingLabel),
		string(Edition(edition)),
		Stamp(stamp),
		Condition(condition),
		Language(language),
		Grade(grade),
	}
	return strings.Join(segs[:], ":")
}

// printingSegment preserves the vendor's printing wording as a slug (the
// display layer distinguishes e.g. "reverse_holofoil" from "reverse_holo")
// while guaranteeing a non-empty segment.
func printingSegment(label string) string {
	s := strings.ReplaceAll(Slug(label), "-", "_")
	if s == "" {
		return "normal"
	}
	return s
}
