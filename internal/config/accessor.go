package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	durationType = reflect.TypeOf(Duration(0))
	listType     = reflect.TypeOf(FlexStringList(nil))
)

// setting is one addressable config value: a struct field, or an entry of
// one of the id-keyed maps (directory.users, relay.deny, ...).
type setting struct {
	value reflect.Value
	key   string // map key when value is a map
}

// lookup resolves a dot path by json tag names. Once a map is reached the
// rest of the path is the key, so ids may contain dots.
func lookup(cfg *Config, path string) (setting, error) {
	if path == "" {
		return setting{}, fmt.Errorf("empty path")
	}
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if v.Kind() == reflect.Map {
			return setting{value: v, key: strings.Join(parts[i:], ".")}, nil
		}
		if v.Kind() != reflect.Struct {
			return setting{}, fmt.Errorf("%s has no field %q", strings.Join(parts[:i], "."), part)
		}
		f, ok := fieldByTag(v, part)
		if !ok {
			return setting{}, fmt.Errorf("key not found: %s", path)
		}
		v = f
	}
	return setting{value: v}, nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if jsonName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// GetByPath returns the value at a dot path such as "sync.pageSize" or
// "directory.users.u2". Durations come back as strings ("8s").
func GetByPath(cfg *Config, path string) (any, error) {
	s, err := lookup(cfg, path)
	if err != nil {
		return nil, err
	}
	if s.key == "" {
		return display(s.value), nil
	}
	e := s.value.MapIndex(reflect.ValueOf(s.key))
	if !e.IsValid() {
		return nil, fmt.Errorf("key not found: %s", path)
	}
	return display(e), nil
}

// SetByPath parses value for the setting at path and stores it. Map entries
// are created as needed; relay.members entries take a comma separated list.
func SetByPath(cfg *Config, path, value string) error {
	s, err := lookup(cfg, path)
	if err != nil {
		return err
	}
	if s.key == "" {
		if err := parseInto(s.value, value); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}

	m := s.value
	if m.IsNil() {
		m.Set(reflect.MakeMap(m.Type()))
	}
	e := reflect.New(m.Type().Elem()).Elem()
	if err := parseInto(e, value); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m.SetMapIndex(reflect.ValueOf(s.key), e)
	return nil
}

func parseInto(v reflect.Value, s string) error {
	switch v.Type() {
	case durationType:
		d, err := parseDuration(s)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	case listType:
		v.Set(reflect.ValueOf(splitList(s)))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Int:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", s)
		}
		v.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", s)
		}
		v.SetBool(b)
	default:
		return fmt.Errorf("%s cannot be set from the command line", v.Type())
	}
	return nil
}

// parseDuration accepts Go duration strings or a bare number of seconds,
// like the config file does.
func parseDuration(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func splitList(s string) FlexStringList {
	var out FlexStringList
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func display(v reflect.Value) any {
	switch v.Type() {
	case durationType:
		return time.Duration(v.Int()).String()
	case listType:
		return []string(v.Interface().(FlexStringList))
	}
	return v.Interface()
}

// Sanitize returns a copy of the config with the server token masked.
// Maps are shared with cfg.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	if c.Server.Token != "" {
		c.Server.Token = maskString(c.Server.Token)
	}
	return &c
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable path with its current value, map entries
// included.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collect("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collect(prefix string, v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		path := jsonName(t.Field(i))
		if prefix != "" {
			path = prefix + "." + path
		}
		f := v.Field(i)
		switch f.Kind() {
		case reflect.Struct:
			collect(path, f, out)
		case reflect.Map:
			iter := f.MapRange()
			for iter.Next() {
				out[path+"."+iter.Key().String()] = display(iter.Value())
			}
		default:
			out[path] = display(f)
		}
	}
}
