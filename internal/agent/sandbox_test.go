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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSandboxPolicyCanonicalizesEveryInputForm(t *testing.T) {
	want := map[string]any{"type": "dangerFullAccess"}

	require.Equal(t, want, normalizeSandboxPolicy("danger-full-access"))
	require.Equal(t, want, normalizeSandboxPolicy("dangerFullAccess"))
	require.Equal(t, want, normalizeSandboxPolicy("DANGER_FULL_ACCESS"))
	require.Equal(t, want, normalizeSandboxPolicy(map[string]any{"type": "danger_full_access"}))
}

func TestNormalizeSandboxPolicyPassesThroughUnknownValues(t *testing.T) {
	require.Nil(t, normalizeSandboxPolicy(nil))
	require.Equal(t, map[string]any{"type": "somethingCustom"}, normalizeSandboxPolicy(map[string]any{"type": "somethingCustom"}))
}
