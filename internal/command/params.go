package command

import (
	"encoding/json"
	"strings"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/geometry"
)

// Params is the decoded parameter object of a command.
type Params map[string]any

func invalid(format string, args ...any) error {
	return apperr.New("command.params", apperr.CodeValidation, format, args...)
}

// lookup returns the first key present, so commands can accept aliases.
func (p Params) lookup(keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, keys[0], false
}

func (p Params) requiredString(keys ...string) (string, error) {
	val, key, ok := p.lookup(keys...)
	if !ok {
		return "", invalid("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", invalid("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", invalid("field %s must be string", key)
	}
}

func (p Params) optionalString(keys ...string) string {
	val, _, ok := p.lookup(keys...)
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (p Params) optionalBool(def bool, keys ...string) bool {
	val, _, ok := p.lookup(keys...)
	if !ok {
		return def
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (p Params) requiredFloat(keys ...string) (float64, error) {
	val, key, ok := p.lookup(keys...)
	if !ok {
		return 0, invalid("field %s required", key)
	}
	f, ok := toFloat(val)
	if !ok {
		return 0, invalid("field %s must be a number", key)
	}
	return f, nil
}

func (p Params) optionalInt(def int, keys ...string) (int, error) {
	val, key, ok := p.lookup(keys...)
	if !ok {
		return def, nil
	}
	f, ok := toFloat(val)
	if !ok {
		return 0, invalid("field %s must be integer", key)
	}
	return int(f), nil
}

// optionalStrings accepts a string or a list of strings.
func (p Params) optionalStrings(keys ...string) ([]string, error) {
	val, key, ok := p.lookup(keys...)
	if !ok {
		return nil, nil
	}
	switch v := val.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, invalid("field %s must contain strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, invalid("field %s must be a string or list of strings", key)
}

// box reads a detection box in [ymin, xmin, ymax, xmax] wire order.
func (p Params) box(key string) (geometry.DetectionBox, error) {
	val, ok := p[key]
	if !ok {
		return geometry.DetectionBox{}, invalid("field %s required", key)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return geometry.DetectionBox{}, invalid("field %s: %v", key, err)
	}
	var b geometry.DetectionBox
	if err := json.Unmarshal(raw, &b); err != nil {
		return geometry.DetectionBox{}, invalid("field %s: %v", key, err)
	}
	if err := b.Validate(); err != nil {
		return geometry.DetectionBox{}, err
	}
	return b, nil
}

func (p Params) selector(keys ...string) (string, error) {
	sel, err := p.requiredString(keys...)
	if err != nil {
		return "", err
	}
	sel = sanitizeSelector(sel)
	if sel == "" {
		return "", invalid("selector is empty after sanitization")
	}
	return sel, nil
}

// sanitizeSelector collapses whitespace and control characters that are
// never valid inside a CSS selector.
func sanitizeSelector(sel string) string {
	sel = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(sel)
	return strings.Join(strings.Fields(sel), " ")
}
