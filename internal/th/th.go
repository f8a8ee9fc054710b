// Package th contains small generic helpers shared across packages.
package th

import (
	"os"
	"regexp"
	"strings"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// PtrOrNil returns a pointer to v, or nil if v is the zero value.
func PtrOrNil[T comparable](v T) *T {
	var e T
	if v == e {
		return nil
	}
	return &v
}

var envRef = regexp.MustCompile(`\$\{([^{}]+)\}`)

// ExpandEnv expands ${VAR} references in s from the environment.
// ${VAR:-default} expands to default if VAR is unset or empty. Bare $ is left
// alone, so values like bcrypt hashes survive.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return getenvWithDefault(m[2 : len(m)-1])
	})
}

// getenvWithDefault maps FOO:-default to $FOO or default if $FOO is unset or
// null.
func getenvWithDefault(key string) string {
	parts := strings.SplitN(key, ":-", 2)
	val := os.Getenv(parts[0])
	if val == "" && len(parts) == 2 {
		val = parts[1]
	}
	return val
}
