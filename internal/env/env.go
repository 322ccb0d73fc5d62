// Package env composes the environment handed to worker processes.
package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds the daemon-wide variables shared by every worker.
type Env struct {
	Var   Var  // global variables (K->V)
	UseOS bool // start from the daemon's own environment
	base  Var  // cached OS environment
}

// New snapshots the OS environment when useOS is set. Merge is safe for
// concurrent use once configuration is done.
func New(useOS bool) *Env {
	e := &Env{Var: make(Var), UseOS: useOS}
	if useOS {
		e.base = Parse(os.Environ())
	}
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// LoadFile reads KEY=VALUE lines from path. Blank lines and # comments are ignored,
// an optional "export " prefix and surrounding quotes are stripped.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		i := strings.IndexByte(text, '=')
		if i <= 0 {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, line)
		}
		k := strings.TrimSpace(text[:i])
		v := strings.TrimSpace(text[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		e.Set(k, v)
	}
	return s.Err()
}

// Merge composes the final environment list applying order:
// OS env (when UseOS), then global Var with ${VAR} expansion, then perProc overrides verbatim.
// The result is sorted by key so identical inputs yield identical environments.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	if e.UseOS {
		base := e.base
		if base == nil {
			base = Parse(os.Environ())
		}
		for k, v := range base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	snapshot := make(Var, len(m))
	for k, v := range m {
		snapshot[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = expand(v, snapshot)
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
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

// Parse turns "K=V" entries into a map, skipping entries without a key.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
