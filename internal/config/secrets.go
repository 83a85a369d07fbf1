package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// secretRef matches a value that is entirely a secret reference,
// ${env:NAME} or ${file:/path}.
var secretRef = regexp.MustCompile(`^\$\{(env|file):(.+)\}$`)

// SecretFunc resolves one reference for a scheme.
type SecretFunc func(ref string) (string, error)

// Secrets resolves secret references in string fields after parsing.
type Secrets struct {
	schemes map[string]SecretFunc
}

// NewSecrets returns a resolver with the env and file schemes.
// File references are restricted to allowedDirs when any are given.
func NewSecrets(allowedDirs ...string) *Secrets {
	return &Secrets{schemes: map[string]SecretFunc{
		"env":  resolveEnv,
		"file": fileResolver(allowedDirs),
	}}
}

func resolveEnv(ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return v, nil
}

func fileResolver(allowed []string) SecretFunc {
	return func(ref string) (string, error) {
		if len(allowed) > 0 {
			ok := false
			for _, dir := range allowed {
				if strings.HasPrefix(ref, strings.TrimSuffix(dir, "/")+"/") {
					ok = true
					break
				}
			}
			if !ok {
				return "", fmt.Errorf("secret file %q is outside the allowed directories", ref)
			}
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		// Secret files usually end with a newline.
		return strings.TrimRight(string(data), " \t\r\n"), nil
	}
}

// Resolve replaces every reference in cfg in place.
func (s *Secrets) Resolve(cfg *Config) error {
	var first error
	walkStrings(reflect.ValueOf(cfg), "", func(f reflect.Value, path string, _ reflect.StructTag) {
		if first != nil {
			return
		}
		m := secretRef.FindStringSubmatch(f.String())
		if m == nil {
			return
		}
		v, err := s.schemes[m[1]](m[2])
		if err != nil {
			first = fmt.Errorf("%s: %w", path, err)
			return
		}
		f.SetString(v)
	})
	return first
}

// walkStrings calls fn for every settable string field reachable from v
// through structs, pointers and maps of structs.
func walkStrings(v reflect.Value, path string, fn func(f reflect.Value, path string, tag reflect.StructTag)) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f, sf := v.Field(i), t.Field(i)
			if !f.CanSet() {
				continue
			}
			p := sf.Name
			if path != "" {
				p = path + "." + sf.Name
			}
			switch f.Kind() {
			case reflect.String:
				fn(f, p, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStrings(f, p, fn)
			case reflect.Map:
				if f.IsNil() || f.Type().Elem().Kind() != reflect.Struct {
					continue
				}
				// Map values are not addressable: copy, walk, store back.
				for _, key := range f.MapKeys() {
					cp := reflect.New(f.Type().Elem()).Elem()
					cp.Set(f.MapIndex(key))
					walkStrings(cp, fmt.Sprintf("%s[%s]", p, key.String()), fn)
					f.SetMapIndex(key, cp)
				}
			}
		}
	}
}
