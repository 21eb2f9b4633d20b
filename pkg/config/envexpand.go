package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// template syntax, {{.VAR_NAME}}. Template syntax is used instead of $
// expansion so literal $ characters in retryable substrings, passwords
// and shell snippets pass through untouched.
//
// Missing variables expand to the empty string; validation catches
// required fields that end up empty. Content that fails to parse as a
// template is returned unchanged so plain YAML always loads.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
