// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "VAFLOW_"

// envReader reads typed values from the environment and remembers which keys
// it consulted.
type envReader struct {
	lookup   func(string) (string, bool)
	logger   zerolog.Logger
	consumed map[string]struct{}
}

func envValue[T any](r *envReader, key string, def T, parse func(string) (T, error)) T {
	r.consumed[key] = struct{}{}
	raw, ok := r.lookup(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		r.logger.Warn().
			Str("key", key).
			Str("value", raw).
			Err(err).
			Msg("invalid value in environment variable, using previous value")
		return def
	}
	r.logger.Debug().
		Str("key", key).
		Str("source", "environment").
		Msg("using environment variable")
	return v
}

func (r *envReader) str(key, def string) string {
	return envValue(r, key, def, func(s string) (string, error) { return s, nil })
}

func (r *envReader) int(key string, def int) int {
	return envValue(r, key, def, strconv.Atoi)
}

func (r *envReader) float(key string, def float64) float64 {
	return envValue(r, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	return envValue(r, key, def, time.ParseDuration)
}

// bool accepts true/false, 1/0 and yes/no.
func (r *envReader) bool(key string, def bool) bool {
	return envValue(r, key, def, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "yes":
			return true, nil
		case "no":
			return false, nil
		}
		return strconv.ParseBool(s)
	})
}

// list splits a comma separated value and drops empty items.
func (r *envReader) list(key string, def []string) []string {
	return envValue(r, key, def, func(s string) ([]string, error) {
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	})
}

// unknownEnvKeys returns VAFLOW_* keys in environ that no reader consulted.
func (r *envReader) unknownEnvKeys(environ []string) []string {
	var out []string
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, ok := r.consumed[key]; !ok && !ignoredEnv[key] {
			out = append(out, key)
		}
	}
	return out
}

// ignoredEnv are keys read outside this package.
var ignoredEnv = map[string]bool{
	"VAFLOW_LOG_LEVEL": true,
	"VAFLOW_CONFIG":    true,
}

func osLookup(key string) (string, bool) { return os.LookupEnv(key) }
