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

package agent

import (
	"regexp"
	"strings"
)

var sandboxPolicyCanonical = map[string]string{
	"dangerfullaccess": "dangerFullAccess",
	"readonly":         "readOnly",
	"workspacewrite":   "workspaceWrite",
	"externalsandbox":  "externalSandbox",
}

var sandboxCleanRE = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// normalizeSandboxPolicy accepts a free-form string or {"type": ...} object
// and canonicalizes it to one of {dangerFullAccess, readOnly, workspaceWrite,
// externalSandbox}, object form wrapping the canonical type. Unrecognized
// type names are kept as given (a bare string is still wrapped in the object
// form; an object is returned unchanged): the backend, not this supervisor,
// is the final authority on what sandbox policies it accepts.
func normalizeSandboxPolicy(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		raw := v
		if raw == "" {
			return nil
		}
		return map[string]any{"type": normalizeSandboxType(raw)}
	case map[string]any:
		typeValue, ok := v["type"].(string)
		if !ok {
			return v
		}
		canonical := normalizeSandboxType(typeValue)
		if canonical == typeValue {
			return v
		}
		updated := make(map[string]any, len(v))
		for k, val := range v {
			updated[k] = val
		}
		updated["type"] = canonical
		return updated
	default:
		return value
	}
}

func normalizeSandboxType(raw string) string {
	cleaned := sandboxCleanRE.ReplaceAllString(raw, "")
	if cleaned == "" {
		return raw
	}
	if canonical, ok := sandboxPolicyCanonical[strings.ToLower(cleaned)]; ok {
		return canonical
	}
	return raw
}
