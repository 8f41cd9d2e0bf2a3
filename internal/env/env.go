// Package env resolves the KEY=VALUE pairs the init script exports before
// launching the service.
package env

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V), exported before per-entry values
	env Var // cached base used for ${VAR} lookups
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the lookup base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.env = base
}

// WithBase replaces the lookup base. Tests use it to avoid depending on the
// process environment.
func (e *Env) WithBase(base Var) *Env {
	e.env = base
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set in chainable form.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

var ErrInvalidEntry = errors.New("invalid environment entry")

// Resolve composes the exported list: globals sorted by key, then entries
// in the given order. Later values for the same key replace earlier ones in
// place. ${VAR} references are expanded against the lookup base and the
// values resolved so far; unknown references are left untouched.
func (e *Env) Resolve(entries []string) ([]string, error) {
	if e.env == nil {
		e.FromOS()
	}
	lookup := make(Var, len(e.env))
	for k, v := range e.env {
		lookup[k] = v
	}

	var order []string
	values := make(Var)
	put := func(k, v string) {
		if _, ok := values[k]; !ok {
			order = append(order, k)
		}
		v = expand(v, lookup)
		values[k] = v
		lookup[k] = v
	}

	globals := make([]string, 0, len(e.Var))
	for k := range e.Var {
		globals = append(globals, k)
	}
	sort.Strings(globals)
	for _, k := range globals {
		if !ValidKey(k) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEntry, k)
		}
		put(k, e.Var[k])
	}
	for _, kv := range entries {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !ValidKey(k) {
			return nil, fmt.Errorf("%w: %q (want KEY=VALUE)", ErrInvalidEntry, kv)
		}
		put(k, v)
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+values[k])
	}
	return out, nil
}

// ValidKey reports whether k can be used as a shell variable name.
func ValidKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
