// Package settings holds the configuration model: setting values keyed by
// catalog setting key, each carrying where it came from.
package settings

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/env"
)

// Source records the provenance of a value.
type Source string

const (
	// SourceUser marks values entered by the user.
	SourceUser Source = "user"
	// SourceDefault marks values taken from the catalog default.
	SourceDefault Source = "default"
	// SourceGenerated marks values generated by the engine, such as datastore passwords.
	SourceGenerated Source = "generated"
)

// Mask replaces password values in redacted output.
const Mask = "********"

// Value is one configured setting.
type Value struct {
	Value  string `json:"value"`
	Source Source `json:"source"`
}

// Configuration maps setting keys to values.
type Configuration map[string]Value

// FromVars wraps user input as a configuration with SourceUser provenance.
func FromVars(vars env.Vars) Configuration {
	out := make(Configuration, len(vars))
	for k, v := range vars {
		out[k] = Value{Value: v, Source: SourceUser}
	}
	return out
}

// Values returns the plain key to value mapping.
func (c Configuration) Values() map[string]string {
	out := make(map[string]string, len(c))
	for k, v := range c {
		out[k] = v.Value
	}
	return out
}

// Keys returns the keys in lexical order.
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of key.
func (c Configuration) Get(key string) (string, bool) {
	v, ok := c[key]
	return v.Value, ok
}

// Clone returns an independent copy.
func (c Configuration) Clone() Configuration {
	out := make(Configuration, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Equal reports whether both configurations hold the same values. Provenance is ignored.
func (c Configuration) Equal(o Configuration) bool {
	if len(c) != len(o) {
		return false
	}
	for k, v := range c {
		ov, ok := o[k]
		if !ok || ov.Value != v.Value {
			return false
		}
	}
	return true
}

// Redacted returns a copy with password values replaced by Mask.
func (c Configuration) Redacted(cat *catalog.Catalog) Configuration {
	out := c.Clone()
	for k, v := range out {
		if st, ok := cat.Setting(k); ok && st.Kind == catalog.KindPassword && v.Value != "" {
			out[k] = Value{Value: Mask, Source: v.Source}
		}
	}
	return out
}

// Complete fills the settings of services that have no user value.
//
// Generated values found in previous are reused so a re-run never rotates
// datastore credentials; other missing passwords with Generate set are drawn
// from rnd. Remaining gaps take the catalog default. Keys without a value or
// default are left absent for the validator to report.
func Complete(cfg Configuration, cat *catalog.Catalog, services []*catalog.Service, previous Configuration, rnd io.Reader) (Configuration, error) {
	out := cfg.Clone()
	for _, st := range cat.SettingsFor(services) {
		if v, ok := out[st.Key]; ok && v.Value != "" {
			continue
		}
		if prev, ok := previous[st.Key]; ok && prev.Source == SourceGenerated && prev.Value != "" {
			out[st.Key] = prev
			continue
		}
		switch {
		case st.Generate:
			secret, err := GeneratePassword(rnd, passwordLength(st))
			if err != nil {
				return nil, fmt.Errorf("generate %s: %w", st.Key, err)
			}
			out[st.Key] = Value{Value: secret, Source: SourceGenerated}
		case st.Default != "":
			out[st.Key] = Value{Value: st.Default, Source: SourceDefault}
		}
	}
	return out, nil
}

const minGeneratedLength = 24

func passwordLength(st catalog.Setting) int {
	if st.MinLength > minGeneratedLength {
		return st.MinLength
	}
	return minGeneratedLength
}

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GeneratePassword draws an alphanumeric secret of length n from rnd.
// Alphanumerics survive .env files, URLs and command lines unescaped.
func GeneratePassword(rnd io.Reader, n int) (string, error) {
	if rnd == nil {
		return "", errors.New("no randomness source")
	}
	// Largest multiple of len(alphabet) below 256; bytes above it are rejected to avoid bias.
	limit := byte(256 - 256%len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(rnd, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
