package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// LanguagePriority is the order in which language variants of a
// multilingual field are preferred. "def" is the language-neutral variant.
var LanguagePriority = []string{"en", "de", "fr", "es", "def"}

// Value is the decoded shape of one field. It is one of [Text], [TextList],
// [LanguageMap] or [LanguageEntryList].
type Value interface {
	isValue()
}

// Text is a plain string value.
type Text string

// TextList is a list of plain strings.
type TextList []string

// LanguageEntry is one language variant of a multilingual value. Values
// holds one element for a string variant and all elements for a list.
type LanguageEntry struct {
	Lang   string
	Values []string
}

// Multilingual is implemented by both multilingual shapes. Entries are
// returned in the order they appeared on the wire.
type Multilingual interface {
	Value
	Entries() []LanguageEntry
}

// LanguageMap is a JSON object of language code to string or string list,
// e.g. {"de": ["Katze"], "en": ["Cat"]}.
type LanguageMap []LanguageEntry

// LanguageEntryList is a list of single-key language objects,
// e.g. [{"de": "Katze"}, {"en": "Cat"}].
type LanguageEntryList []LanguageEntry

func (Text) isValue()              {}
func (TextList) isValue()          {}
func (LanguageMap) isValue()       {}
func (LanguageEntryList) isValue() {}

// Entries implements [Multilingual].
func (m LanguageMap) Entries() []LanguageEntry { return m }

// Entries implements [Multilingual].
func (l LanguageEntryList) Entries() []LanguageEntry { return l }

// errShape marks values that match none of the supported shapes.
var errShape = errors.New("unsupported value shape")

// ParseValue decodes raw into one of the supported value shapes.
func ParseValue(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errShape
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return Text(s), nil
	case '{':
		entries, err := decodeObject(raw)
		if err != nil {
			return nil, err
		}
		m := make(LanguageMap, 0, len(entries))
		for _, e := range entries {
			values, err := decodeTexts(e.raw)
			if err != nil {
				return nil, fmt.Errorf("language %q: %w", e.key, err)
			}
			m = append(m, LanguageEntry{Lang: e.key, Values: values})
		}
		if len(m) == 0 {
			return nil, fmt.Errorf("empty language map: %w", errShape)
		}
		return m, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("empty list: %w", errShape)
		}
		first := bytes.TrimSpace(items[0])
		if len(first) > 0 && first[0] == '"' {
			return decodeTextList(items), nil
		}
		return decodeEntryList(items)
	}
	return nil, errShape
}

// decodeTextList keeps the string elements of a list whose first element is
// a string.
func decodeTextList(items []json.RawMessage) TextList {
	out := make(TextList, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
		}
	}
	return out
}

func decodeEntryList(items []json.RawMessage) (LanguageEntryList, error) {
	out := make(LanguageEntryList, 0, len(items))
	for i, item := range items {
		entries, err := decodeObject(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("item %d: empty language object: %w", i, errShape)
		}
		values, err := decodeTexts(entries[0].raw)
		if err != nil {
			return nil, fmt.Errorf("item %d: language %q: %w", i, entries[0].key, err)
		}
		out = append(out, LanguageEntry{Lang: entries[0].key, Values: values})
	}
	return out, nil
}

// decodeTexts accepts a string or a list of strings.
func decodeTexts(raw json.RawMessage) ([]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errShape
	}
	return list, nil
}

type objectEntry struct {
	key string
	raw json.RawMessage
}

// decodeObject decodes a JSON object preserving key order.
func decodeObject(raw json.RawMessage) ([]objectEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errShape
	}
	var out []objectEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errShape
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, objectEntry{key: key, raw: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// BestLanguageValue returns the variant of v in the first language of
// priority that is present, joined with ", ". When none of them is present
// the first entry is used. ok is false only for a value without entries.
func BestLanguageValue(v Multilingual, priority []string) (value, lang string, ok bool) {
	entries := v.Entries()
	if len(entries) == 0 {
		return "", "", false
	}
	for _, want := range priority {
		for _, e := range entries {
			if e.Lang == want {
				return strings.Join(e.Values, ", "), e.Lang, true
			}
		}
	}
	return strings.Join(entries[0].Values, ", "), entries[0].Lang, true
}

// Strings flattens any value shape into the strings it contributes to its
// category.
func Strings(v Value, priority []string) []string {
	switch v := v.(type) {
	case Text:
		return []string{string(v)}
	case TextList:
		return []string(v)
	case Multilingual:
		if s, _, ok := BestLanguageValue(v, priority); ok {
			return []string{s}
		}
	}
	return nil
}
