package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// envExprPattern matches ${VAR} and ${VAR:-default} expressions.
var envExprPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// SubstituteEnv replaces ${VAR} and ${VAR:-default} expressions in s with
// environment values. A string consisting of exactly one expression may be
// type-coerced by substituteTree; here the result is always a string.
// Strings containing no ${…} are returned unchanged.
func SubstituteEnv(s string) string {
	return envExprPattern.ReplaceAllStringFunc(s, func(expr string) string {
		groups := envExprPattern.FindStringSubmatch(expr)
		name, fallback := groups[1], groups[3]

		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		return fallback
	})
}

// substituteTree walks a decoded YAML tree and applies environment
// substitution to every string. A string that is exactly one ${…} expression
// is coerced to bool or number when the substituted value parses as one;
// multi-variable expressions always remain strings.
func substituteTree(node interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			out[k] = substituteTree(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = substituteTree(child)
		}
		return out
	case string:
		substituted := SubstituteEnv(v)
		if isSingleExpression(v) {
			return coerceScalar(substituted)
		}
		return substituted
	default:
		return node
	}
}

// isSingleExpression reports whether s is exactly one ${…} expression.
func isSingleExpression(s string) bool {
	match := envExprPattern.FindString(s)
	return match != "" && match == s
}

// coerceScalar converts a substituted value to bool or number when it parses
// cleanly as one. Everything else stays a string.
func coerceScalar(s string) interface{} {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	return s
}

// ExpandTilde expands a leading "~" or "~/" to the user's home directory.
func ExpandTilde(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}

	return path
}
