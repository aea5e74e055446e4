package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvStr returns the value of key, or fallback when unset.
func EnvStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt returns key parsed as an integer, or fallback when unset or invalid.
func EnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvBool returns key parsed as a boolean, or fallback when unset or invalid.
func EnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}
