package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
)

// envTokenRe matches @env('NAME') tokens, resolved after JSON parse so the
// raw config file can embed them inside any string value.
var envTokenRe = regexp.MustCompile(`@env\('([^']+)'\)`)

// Loader parses, validates and republishes RuntimeConfig snapshots. It holds
// no mutable state of its own beyond the filesystem it reads from — the
// published snapshot lives in core.Engine, not here.
type Loader struct {
	FS afero.Fs
}

// NewLoader constructs a Loader against the given filesystem, defaulting to
// the OS filesystem (afero.Fs lets tests substitute an in-memory one).
func NewLoader(fs afero.Fs) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Loader{FS: fs}
}

// Load parses path, applies the DAB_ENVIRONMENT overlay, resolves @env()
// tokens, and validates the result. It never returns a partially-valid
// config: a failing stage ends Load before the later stages run. The @env()
// and cross-reference stages each return every error they find together;
// the structural Validate stops at its first error.
func (l *Loader) Load(path string) (*RuntimeConfig, error) {
	base, err := l.readWithRetry(path)
	if err != nil {
		return nil, err
	}

	merged, err := applyOverlay(l.FS, path, base)
	if err != nil {
		return nil, err
	}

	var rc RuntimeConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &rc,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: func(from, to reflect.Type, data interface{}) (interface{}, error) {
			if from.Kind() != reflect.String {
				return data, nil
			}
			switch to {
			case reflect.TypeOf(Action{}):
				return map[string]interface{}{"action": data}, nil
			case reflect.TypeOf(EntitySource{}):
				return map[string]interface{}{"object": data}, nil
			}
			return data, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(merged); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for name, e := range rc.Entities {
		e.Name = name
	}

	if errs := resolveEnvTokens(&rc); errs.HasErrors() {
		return nil, errs
	}

	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if errs := ValidateRefs(&rc); errs.HasErrors() {
		return nil, errs
	}
	return &rc, nil
}

// readWithRetry retries transient IO errors with exponential back-off,
// bounded at 5 attempts (base 2).
func (l *Loader) readWithRetry(path string) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<attempt) * 100 * time.Millisecond)
		}
		data, err := afero.ReadFile(l.FS, path)
		if err == nil {
			var m map[string]interface{}
			if jerr := json.Unmarshal(data, &m); jerr != nil {
				return nil, fmt.Errorf("parse %s: %w", path, jerr)
			}
			return m, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("read %s after 5 attempts: %w", path, lastErr)
}

// applyOverlay merges <base>.<DAB_ENVIRONMENT>.json then
// <base>.<DAB_ENVIRONMENT>.overrides.json on top of base, if present. Arrays
// are replaced wholesale by the overlay, never concatenated.
func applyOverlay(fs afero.Fs, path string, base map[string]interface{}) (map[string]interface{}, error) {
	env := os.Getenv("DAB_ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ASPNETCORE_ENVIRONMENT")
	}
	if env == "" {
		return base, nil
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	merged := base
	for _, suffix := range []string{"." + env + ext, "." + env + ".overrides" + ext} {
		overlayPath := stem + suffix
		exists, err := afero.Exists(fs, overlayPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		data, err := afero.ReadFile(fs, overlayPath)
		if err != nil {
			return nil, err
		}
		var overlay map[string]interface{}
		if err := json.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse %s: %w", overlayPath, err)
		}
		merged = deepMerge(merged, overlay)
	}
	return merged, nil
}

// deepMerge merges src into dst recursively for map values; any other type
// (including slices) is replaced wholesale by src's value.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		if dv, ok := out[k]; ok {
			dm, dok := dv.(map[string]interface{})
			sm, sok := sv.(map[string]interface{})
			if dok && sok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}

// resolveEnvTokens walks every string field reachable from rc and replaces
// @env('NAME') tokens with the named environment variable's value. An
// unresolved token is a fatal validation error, never a silent empty string.
// DAB_CONNSTRING, when set, overrides data_source.connection-string outright
// whenever the loaded config expressed that field as an @env() token — this
// check runs before resolution is attempted, so the override takes effect
// even when the named environment variable isn't actually set (the
// documented escape hatch for "the config uses @env() but the operator
// wants to supply the connection string a different way").
func resolveEnvTokens(rc *RuntimeConfig) ErrorList {
	var errs ErrorList
	if override := os.Getenv("DAB_CONNSTRING"); override != "" && envTokenRe.MatchString(rc.DataSource.ConnectionString) {
		rc.DataSource.ConnectionString = override
	}
	resolveEnvTokensDeep(reflect.ValueOf(rc).Elem(), "", &errs)
	return errs
}

// resolveEnvTokensDeep recurses through rc's structs, maps, and slices,
// resolving @env() tokens in every string value it finds — not just
// data_source, so a permission's row-policy expression, an entity's source
// object name, or any other config string can embed one too.
func resolveEnvTokensDeep(v reflect.Value, path string, errs *ErrorList) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			resolveEnvTokensDeep(v.Elem(), path, errs)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // unexported
			}
			fieldPath := t.Field(i).Name
			if path != "" {
				fieldPath = path + "." + fieldPath
			}
			resolveEnvTokensDeep(v.Field(i), fieldPath, errs)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			elemPath := fmt.Sprintf("%s[%v]", path, key.Interface())
			val := v.MapIndex(key)
			if val.Kind() == reflect.String {
				v.SetMapIndex(key, reflect.ValueOf(resolveOne(elemPath, val.String(), errs)))
				continue
			}
			resolveEnvTokensDeep(val, elemPath, errs)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			elem := v.Index(i)
			if elem.Kind() == reflect.String && elem.CanSet() {
				elem.SetString(resolveOne(elemPath, elem.String(), errs))
				continue
			}
			resolveEnvTokensDeep(elem, elemPath, errs)
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(resolveOne(path, v.String(), errs))
		}
	}
}

func resolveOne(path, val string, errs *ErrorList) string {
	return envTokenRe.ReplaceAllStringFunc(val, func(tok string) string {
		m := envTokenRe.FindStringSubmatch(tok)
		name := m[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			errs.add(path, "unresolved environment variable %q", name)
			return tok
		}
		return v
	})
}
