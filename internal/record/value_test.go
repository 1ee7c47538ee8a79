package record_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/embedgate/internal/record"
)

func parseMultilingual(t *testing.T, raw string) record.Multilingual {
	t.Helper()
	v, err := record.ParseValue(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParseValue(%s): %v", raw, err)
	}
	m, ok := v.(record.Multilingual)
	if !ok {
		t.Fatalf("ParseValue(%s) = %T, want multilingual", raw, v)
	}
	return m
}

func TestParseValue_Shapes(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"Cat"`, "record.Text"},
		{`["Cat", "Dog"]`, "record.TextList"},
		{`{"en": "Cat"}`, "record.LanguageMap"},
		{`{"en": ["Cat", "Kitty"]}`, "record.LanguageMap"},
		{`[{"de": "Katze"}, {"en": "Cat"}]`, "record.LanguageEntryList"},
	}
	for _, tt := range tests {
		v, err := record.ParseValue(json.RawMessage(tt.raw))
		if err != nil {
			t.Errorf("ParseValue(%s): %v", tt.raw, err)
			continue
		}
		if got := typeName(v); got != tt.want {
			t.Errorf("ParseValue(%s) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func typeName(v record.Value) string {
	switch v.(type) {
	case record.Text:
		return "record.Text"
	case record.TextList:
		return "record.TextList"
	case record.LanguageMap:
		return "record.LanguageMap"
	case record.LanguageEntryList:
		return "record.LanguageEntryList"
	}
	return "unknown"
}

func TestParseValue_Malformed(t *testing.T) {
	for _, raw := range []string{
		`42`,
		`true`,
		`null`,
		`[]`,
		`{}`,
		`[1, 2]`,
		`{"en": 5}`,
		`{"en": [1]}`,
		`[{"en": "Cat"}, "Dog"]`,
		`[{}]`,
	} {
		if v, err := record.ParseValue(json.RawMessage(raw)); err == nil {
			t.Errorf("ParseValue(%s) = %#v, want error", raw, v)
		}
	}
}

func TestBestLanguageValue_PrefersEnglishAnywhere(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"map en first", `{"en": ["Cat"], "de": ["Katze"]}`},
		{"map en last", `{"fr": ["Chat"], "de": ["Katze"], "en": ["Cat"]}`},
		{"list en last", `[{"def": "Felis"}, {"de": "Katze"}, {"en": "Cat"}]`},
		{"list en first", `[{"en": "Cat"}, {"es": "Gato"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, lang, ok := record.BestLanguageValue(parseMultilingual(t, tt.raw), record.LanguagePriority)
			if !ok || v != "Cat" || lang != "en" {
				t.Errorf("got (%q, %q, %v), want (Cat, en, true)", v, lang, ok)
			}
		})
	}
}

func TestBestLanguageValue_Priority(t *testing.T) {
	v, lang, _ := record.BestLanguageValue(
		parseMultilingual(t, `{"def": "Felis", "es": "Gato", "fr": "Chat"}`), record.LanguagePriority)
	if v != "Chat" || lang != "fr" {
		t.Errorf("got (%q, %q), want (Chat, fr)", v, lang)
	}
}

func TestBestLanguageValue_FallsBackToFirstEntry(t *testing.T) {
	v, lang, ok := record.BestLanguageValue(
		parseMultilingual(t, `{"nl": ["Kat", "Poes"], "it": ["Gatto"]}`), record.LanguagePriority)
	if !ok || v != "Kat, Poes" || lang != "nl" {
		t.Errorf("map: got (%q, %q, %v), want (Kat, Poes, nl, true)", v, lang, ok)
	}

	v, lang, ok = record.BestLanguageValue(
		parseMultilingual(t, `[{"pl": "Kot"}, {"it": "Gatto"}]`), record.LanguagePriority)
	if !ok || v != "Kot" || lang != "pl" {
		t.Errorf("list: got (%q, %q, %v), want (Kot, pl, true)", v, lang, ok)
	}
}

func TestBestLanguageValue_Empty(t *testing.T) {
	if _, _, ok := record.BestLanguageValue(record.LanguageMap{}, record.LanguagePriority); ok {
		t.Error("expected ok=false for an empty map")
	}
}

func TestStrings(t *testing.T) {
	if got := record.Strings(record.Text("a"), nil); len(got) != 1 || got[0] != "a" {
		t.Errorf("Text: got %v", got)
	}
	if got := record.Strings(record.TextList{"a", "b"}, nil); len(got) != 2 {
		t.Errorf("TextList: got %v", got)
	}
	m := record.LanguageMap{{Lang: "de", Values: []string{"x", "y"}}}
	if got := record.Strings(m, record.LanguagePriority); len(got) != 1 || got[0] != "x, y" {
		t.Errorf("LanguageMap: got %v", got)
	}
}
