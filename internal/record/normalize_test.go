package record_test

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/MrWong99/embedgate/internal/record"
)

func TestCategories_Sorted(t *testing.T) {
	want := []string{"creator", "description", "places", "tags", "title"}
	if got := record.Categories(); !slices.Equal(got, want) {
		t.Errorf("Categories() = %v, want %v", got, want)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "minimal",
			raw:  `{"id":"1","title":"Cat","description":"A cat."}`,
			want: "A cat., Cat",
		},
		{
			name: "only mandatory fields",
			raw:  `{"id":"1","title":"Cat"}`,
			want: "Cat",
		},
		{
			name: "empty title",
			raw:  `{"id":"1","title":""}`,
			want: "",
		},
		{
			name: "category order",
			raw: `{"id":"1","title":"Mona Lisa","dcCreator":["Leonardo da Vinci"],
				"country":"France","edmConceptPrefLabelLangAware":{"en":["painting","portrait"]},
				"description":"Portrait of a woman."}`,
			want: "Leonardo da Vinci, Portrait of a woman., France, painting, portrait, Mona Lisa",
		},
		{
			name: "aggregates fields of one category",
			raw: `{"id":"1","title":"Cat","country":"Italy",
				"edmPlaceLabel":["Rome"],"edmPlaceLabelLangAware":{"de":["Rom"],"en":["Rome city"]}}`,
			want: "Italy, Rome, Rome city, Cat",
		},
		{
			name: "deduplicates fragments",
			raw: `{"id":"1","title":"Cat","dcTitleLangAware":{"en":["Cat"]},
				"description":"Cat, small, small"}`,
			want: "Cat, small",
		},
		{
			name: "trims fragments",
			raw:  `{"id":"1","title":"  Cat  ","description":" A cat. ,  "}`,
			want: "A cat., Cat",
		},
		{
			name: "unknown fields ignored",
			raw:  `{"id":"1","title":"Cat","dcFormat":"oil on canvas","year":1503}`,
			want: "Cat",
		},
		{
			name: "malformed field skipped",
			raw:  `{"id":"1","title":"Cat","country":42,"dcCreator":{"en":[1]},"description":"A cat."}`,
			want: "A cat., Cat",
		},
		{
			name: "multilingual title",
			raw:  `{"id":"1","title":[{"de":"Katze"},{"en":"Cat"}]}`,
			want: "Cat",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := record.Normalize(mustParse(t, tt.raw))
			if got != tt.want {
				t.Errorf("Normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize_Stable(t *testing.T) {
	raw := `{"id":"1","title":"T","dcCreator":"C","country":"P","description":"D",
		"edmConceptPrefLabelLangAware":{"en":"G"}}`
	first := record.Normalize(mustParse(t, raw))
	for i := 0; i < 50; i++ {
		if got := record.Normalize(mustParse(t, raw)); got != first {
			t.Fatalf("run %d: %q != %q", i, got, first)
		}
	}
	if first != "C, D, P, G, T" {
		t.Errorf("Normalize() = %q, want %q", first, "C, D, P, G, T")
	}
}

func TestNormalize_TruncatesDescriptionCategory(t *testing.T) {
	x := strings.Repeat("x", 200)
	y := strings.Repeat("y", 200)
	raw := `{"id":"1","title":"Cat","description":"` + x + `","dcDescriptionLangAware":{"en":["` + y + `"]}}`

	c := record.Canonicalize(mustParse(t, raw))
	want := []string{x, strings.Repeat("y", 98), "Cat"}
	if !slices.Equal(c.Fragments, want) {
		t.Fatalf("fragments = %d items, want x*200, y*98, Cat", len(c.Fragments))
	}
}

func TestNormalize_TruncationCountsRunes(t *testing.T) {
	desc := strings.Repeat("é", 350)
	c := record.Canonicalize(mustParse(t, `{"id":"1","title":"T","description":"`+desc+`"}`))
	if len(c.Fragments) != 2 {
		t.Fatalf("fragments = %v", c.Fragments)
	}
	if n := utf8.RuneCountInString(c.Fragments[0]); n != record.MaxDescriptionRunes {
		t.Errorf("description runes = %d, want %d", n, record.MaxDescriptionRunes)
	}
	if !utf8.ValidString(c.Fragments[0]) {
		t.Error("truncated description is not valid UTF-8")
	}
}

func TestNormalize_TitleNotTruncated(t *testing.T) {
	title := strings.Repeat("t", 400)
	if got := record.Normalize(mustParse(t, `{"id":"1","title":"`+title+`"}`)); got != title {
		t.Errorf("title truncated to %d chars", len(got))
	}
}

func TestCanonicalize_FieldResults(t *testing.T) {
	c := record.Canonicalize(mustParse(t,
		`{"id":"1","title":"Cat","country":42,"dcCreator":["Anon"]}`))

	if len(c.Fields) != 3 {
		t.Fatalf("Fields = %+v, want 3 entries", c.Fields)
	}
	byField := map[string]record.FieldResult{}
	for _, f := range c.Fields {
		byField[f.Field] = f
	}
	if !byField["country"].Skipped() {
		t.Error("country should be skipped")
	}
	if byField["dcCreator"].Skipped() || byField["dcCreator"].Category != record.CategoryCreator {
		t.Errorf("dcCreator = %+v", byField["dcCreator"])
	}
	if byField["title"].Skipped() {
		t.Error("title should not be skipped")
	}
}
