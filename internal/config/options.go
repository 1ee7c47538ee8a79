package config

import (
	"fmt"
	"time"
)

// OptionString returns the string option key, or def when it is absent.
func (e ProviderEntry) OptionString(key, def string) (string, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: option %q: want string, got %T", key, v)
	}
	return s, nil
}

// OptionInt returns the integer option key, or def when it is absent.
func (e ProviderEntry) OptionInt(key string, def int) (int, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("config: option %q: %v is not an integer", key, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("config: option %q: want integer, got %T", key, v)
}

// OptionDuration returns the duration option key, or def when it is absent.
// Values are parsed with [time.ParseDuration].
func (e ProviderEntry) OptionDuration(key string, def time.Duration) (time.Duration, error) {
	s, err := e.OptionString(key, "")
	if err != nil {
		return 0, err
	}
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: option %q: %w", key, err)
	}
	return d, nil
}

// OptionStrings returns the string-list option key. A single string is
// returned as a one-element list.
func (e ProviderEntry) OptionStrings(key string) ([]string, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case string:
		return []string{list}, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config: option %q[%d]: want string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("config: option %q: want list of strings, got %T", key, v)
}
