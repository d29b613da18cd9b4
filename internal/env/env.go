// Package env contains helpers for reading, merging and rendering .env-style variable sets.
package env

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Vars represents a simple string-to-string map of variables.
type Vars map[string]string

// Merge merges several Vars maps into one, later maps overriding earlier keys.
func Merge(sets ...Vars) Vars {
	out := make(Vars)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// Keys returns the variable names in lexical order.
func (v Vars) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadEnvFile loads a single .env-style file into Vars.
func LoadEnvFile(path string) (Vars, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	envMap, err := godotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse env file %q: %w", path, err)
	}
	return Vars(envMap), nil
}

// Parse decodes .env-style content.
func Parse(data []byte) (Vars, error) {
	envMap, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Vars(envMap), nil
}

// Render encodes vars as .env content with keys sorted and a trailing newline.
// The output is stable for identical input and parses back to the same map.
func Render(vars Vars) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	for k := range vars {
		if !validKey(k) {
			return nil, fmt.Errorf("invalid env key %q", k)
		}
	}
	content, err := godotenv.Marshal(vars)
	if err != nil {
		return nil, err
	}
	out := []byte(content + "\n")

	// godotenv writes integers unquoted, which loses leading zeros.
	back, err := Parse(out)
	if err != nil {
		return nil, fmt.Errorf("re-parse rendered env: %w", err)
	}
	for k, v := range vars {
		if back[k] != v {
			return nil, fmt.Errorf("env value for %q does not survive rendering", k)
		}
	}
	return out, nil
}

// ParseInlineVars parses a comma-separated k=v list (e.g. "A=1,B=2") into Vars.
func ParseInlineVars(s string) (Vars, error) {
	out := make(Vars)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	parts := strings.Split(s, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid inline var %q, expected key=value", part)
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key == "" {
			return nil, fmt.Errorf("empty key in inline var %q", part)
		}
		out[key] = value
	}
	return out, nil
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
