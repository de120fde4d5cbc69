// Package config loads a Config struct's fields from environment variables
// named by their `env:"..."` tags, mirroring the teacher's
// libCommons.SetConfigFromEnvVars convention (not vendored here — the
// teacher's lib-commons source isn't part of this module's dependency
// surface, so the reflection loader is reimplemented locally).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads a `.env` file if present (ignored if missing — production
// deployments set real env vars) then populates cfg's exported fields from
// the environment using their `env:"..."` struct tags. cfg must be a
// pointer to a struct. Supported field kinds: string, bool, int, int64.
func LoadEnv(cfg any) error {
	_ = godotenv.Load()

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: LoadEnv requires a pointer to struct, got %T", cfg)
	}

	elem := v.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag, ok := field.Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}

		raw, present := os.LookupEnv(tag)
		if !present {
			continue
		}

		fv := elem.Field(i)
		if !fv.CanSet() {
			continue
		}

		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("config: field %s: %w", field.Name, err)
			}

			fv.SetBool(b)
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("config: field %s: %w", field.Name, err)
			}

			fv.SetInt(n)
		default:
			return fmt.Errorf("config: field %s has unsupported kind %s", field.Name, fv.Kind())
		}
	}

	return nil
}
