package record

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Canonical categories.
const (
	CategoryPlaces      = "places"
	CategoryCreator     = "creator"
	CategoryDescription = "description"
	CategoryTitle       = "title"
	CategoryTags        = "tags"
)

// FieldMap maps raw field names to their canonical category. Several fields
// feed the same category; their values are aggregated.
var FieldMap = map[string]string{
	"country":                      CategoryPlaces,
	"edmPlaceLabel":                CategoryPlaces,
	"edmPlaceLabelLangAware":       CategoryPlaces,
	"dcCreator":                    CategoryCreator,
	"description":                  CategoryDescription,
	"dcDescriptionLangAware":       CategoryDescription,
	"title":                        CategoryTitle,
	"dcTitleLangAware":             CategoryTitle,
	"edmConceptPrefLabelLangAware": CategoryTags,
}

// fieldOrder is the deterministic iteration order over FieldMap.
var fieldOrder = []string{
	"country",
	"edmPlaceLabel",
	"edmPlaceLabelLangAware",
	"dcCreator",
	"description",
	"dcDescriptionLangAware",
	"title",
	"dcTitleLangAware",
	"edmConceptPrefLabelLangAware",
}

// Categories returns the canonical categories in lexical order.
func Categories() []string {
	seen := make(map[string]bool, len(FieldMap))
	var out []string
	for _, c := range FieldMap {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// MaxDescriptionRunes is the length the description category is cut to
// before the categories are merged.
const MaxDescriptionRunes = 300

const separator = ", "

// FieldResult is the outcome of resolving one known field.
type FieldResult struct {
	Field    string
	Category string
	Values   []string
	// Err is set when the field was skipped because its shape is malformed.
	Err error
}

// Skipped reports whether the field contributed nothing because of Err.
func (f FieldResult) Skipped() bool { return f.Err != nil }

// Canonical is the normalized form of one record.
type Canonical struct {
	// Text is the embedding input.
	Text string
	// Fragments are the deduplicated pieces Text is joined from.
	Fragments []string
	// Fields lists every known field present in the record, in FieldMap order.
	Fields []FieldResult
}

// Normalize returns the canonical text of r.
func Normalize(r Record) string {
	return Canonicalize(r).Text
}

// Canonicalize resolves every known field of r and builds the canonical
// text. Malformed fields are skipped and reported in Fields; they never
// abort the record.
func Canonicalize(r Record) Canonical {
	var c Canonical
	byCategory := make(map[string][]string, len(FieldMap))
	for _, name := range fieldOrder {
		raw, ok := r.fields[name]
		if !ok {
			continue
		}
		res := FieldResult{Field: name, Category: FieldMap[name]}
		v, err := ParseValue(raw)
		if err != nil {
			res.Err = err
		} else {
			res.Values = Strings(v, LanguagePriority)
			byCategory[res.Category] = append(byCategory[res.Category], res.Values...)
		}
		c.Fields = append(c.Fields, res)
	}

	parts := make([]string, 0, len(byCategory))
	for _, cat := range Categories() {
		joined := strings.Join(byCategory[cat], separator)
		if cat == CategoryDescription {
			joined = truncateRunes(joined, MaxDescriptionRunes)
		}
		parts = append(parts, joined)
	}
	c.Fragments = dedupFragments(parts)
	c.Text = strings.Join(c.Fragments, separator)
	return c
}

// dedupFragments splits the joined categories on the separator, trims each
// fragment, drops empty ones and keeps the first occurrence of duplicates.
func dedupFragments(parts []string) []string {
	all := strings.Split(strings.Join(parts, separator), separator)
	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, f := range all {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
