// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package outbox

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// splitFrontmatter splits a markdown file's leading "---\n...\n---\n" YAML
// block from its body. Returns an empty map and the whole input as body if
// no frontmatter delimiter is present.
func splitFrontmatter(raw string) (map[string]any, string) {
	const delim = "---"
	trimmed := strings.TrimLeft(raw, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return map[string]any{}, raw
	}
	rest := trimmed[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return map[string]any{}, raw
	}
	yamlBlock := rest[:idx]
	body := rest[idx+len("\n"+delim):]
	body = strings.TrimPrefix(body, "\n")

	var data map[string]any
	if err := yaml.Unmarshal([]byte(yamlBlock), &data); err != nil || data == nil {
		data = map[string]any{}
	}
	return data, body
}

// lintDispatchFrontmatter validates and normalizes a DISPATCH.md front
// matter map, defaulting mode to "notify" only when it is absent; an
// explicit invalid value is an error.
func lintDispatchFrontmatter(data map[string]any) (map[string]any, []string) {
	var errs []string
	modeRaw, hasMode := data["mode"]

	mode := "notify"
	if hasMode {
		s, ok := modeRaw.(string)
		if !ok {
			errs = append(errs, "frontmatter.mode must be 'notify', 'pause', or 'turn_summary'.")
		} else {
			mode = strings.ToLower(strings.TrimSpace(s))
		}
	}
	switch mode {
	case "notify", "pause", "turn_summary":
	default:
		errs = append(errs, "frontmatter.mode must be 'notify', 'pause', or 'turn_summary'.")
	}

	normalized := make(map[string]any, len(data)+1)
	for k, v := range data {
		normalized[k] = v
	}
	normalized["mode"] = mode
	return normalized, errs
}

func asOptionalString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
