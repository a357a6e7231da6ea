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

package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvBackend_Get(t *testing.T) {
	backend := NewEnvBackend()
	ctx := context.Background()

	tests := []struct {
		name      string
		key       string
		envVars   map[string]string
		wantValue string
		wantErr   error
	}{
		{
			name:      "literal variable name",
			key:       "OPENAI_API_KEY",
			envVars:   map[string]string{"OPENAI_API_KEY": "sk-openai-test"},
			wantValue: "sk-openai-test",
		},
		{
			name:      "normalized CAR_SECRET_ form",
			key:       "anthropic api key",
			envVars:   map[string]string{"CAR_SECRET_ANTHROPIC_API_KEY": "sk-ant-test"},
			wantValue: "sk-ant-test",
		},
		{
			name:      "literal takes precedence over normalized",
			key:       "OPENAI_API_KEY",
			envVars:   map[string]string{"OPENAI_API_KEY": "sk-literal", "CAR_SECRET_OPENAI_API_KEY": "sk-normalized"},
			wantValue: "sk-literal",
		},
		{
			name:    "key not found",
			key:     "MISSING_KEY",
			wantErr: ErrSecretNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			got, err := backend.Get(ctx, tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Get() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.wantValue {
				t.Errorf("Get() = %v, want %v", got, tt.wantValue)
			}
		})
	}
}

func TestEnvBackend_Set(t *testing.T) {
	backend := NewEnvBackend()
	if err := backend.Set(context.Background(), "key", "value"); !errors.Is(err, ErrReadOnlyBackend) {
		t.Errorf("Set() error = %v, want %v", err, ErrReadOnlyBackend)
	}
}

func TestEnvBackend_Delete(t *testing.T) {
	backend := NewEnvBackend()
	if err := backend.Delete(context.Background(), "key"); !errors.Is(err, ErrReadOnlyBackend) {
		t.Errorf("Delete() error = %v, want %v", err, ErrReadOnlyBackend)
	}
}

func TestEnvBackend_List(t *testing.T) {
	backend := NewEnvBackend()
	t.Setenv("CAR_SECRET_ANTHROPIC_API_KEY", "sk-test1")
	t.Setenv("CAR_SECRET_OPENAI_API_KEY", "sk-test2")
	t.Setenv("ANTHROPIC_API_KEY", "ignored")

	keys, err := backend.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := map[string]bool{"ANTHROPIC_API_KEY": true, "OPENAI_API_KEY": true}
	if len(keys) != len(want) {
		t.Errorf("List() returned %d keys, want %d", len(keys), len(want))
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("List() returned unexpected key %q", k)
		}
	}
}

func TestEnvBackend_Metadata(t *testing.T) {
	backend := NewEnvBackend()

	if backend.Name() != "env" {
		t.Errorf("Name() = %v, want %v", backend.Name(), "env")
	}
	if !backend.Available() {
		t.Error("Available() = false, want true")
	}
	if backend.Priority() != EnvBackendPriority {
		t.Errorf("Priority() = %v, want %v", backend.Priority(), EnvBackendPriority)
	}
	if !backend.ReadOnly() {
		t.Error("ReadOnly() = false, want true")
	}
}

func TestEnvBackend_NormalizeKey(t *testing.T) {
	backend := NewEnvBackend()

	tests := []struct {
		key  string
		want string
	}{
		{key: "anthropic api key", want: "CAR_SECRET_ANTHROPIC_API_KEY"},
		{key: "github-token", want: "CAR_SECRET_GITHUB_TOKEN"},
		{key: "simple", want: "CAR_SECRET_SIMPLE"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := backend.normalizeKey(tt.key); got != tt.want {
				t.Errorf("normalizeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}
