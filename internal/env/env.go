// Package env composes the environment handed to the worker and to the
// one-shot auxiliary scripts.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers overrides on top of a base environment (normally the OS one).
type Env struct {
	Var  Var // overrides applied on top of base
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

// WithBase replaces the base environment with kvs ("K=V" form).
func (e *Env) WithBase(kvs []string) *Env {
	e.base = parse(kvs)
	return e
}

// Set sets K=V, overriding the base.
func (e *Env) Set(k, v string) *Env {
	if k == "" {
		return e
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// SetIf sets K=V only when cond holds.
func (e *Env) SetIf(cond bool, k, v string) *Env {
	if cond {
		return e.Set(k, v)
	}
	return e
}

// Lookup returns the composed (unexpanded) value of k.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

// Merge composes base, then e.Var, then extra ("K=V" entries). ${VAR}
// references in a layer resolve against the layers beneath it, so
// PATH=/opt/bin:${PATH} extends the inherited value. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	apply(m, e.Var)
	apply(m, parse(extra))

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func apply(m Var, layer Var) {
	resolved := make(Var, len(layer))
	for k, v := range layer {
		if k != "" {
			resolved[k] = expand(v, m)
		}
	}
	for k, v := range resolved {
		m[k] = v
	}
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
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
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
