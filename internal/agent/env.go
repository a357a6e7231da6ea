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
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/flowcar/car/internal/secrets"
)

// EnvBuilder returns the environment a backend subprocess should be spawned
// with for a given workspace and state directory.
type EnvBuilder func(workspaceRoot, workspaceID, stateDir string) ([]string, error)

// KeyringEnvBuilder resolves credentialKeys through a secrets.Resolver
// chaining the process environment over the OS keychain (env takes
// precedence so an operator can always override a stored credential without
// touching the keychain) and appends whatever it finds to os.Environ(), so
// backend API credentials never need to live in a plaintext env file on
// disk. A key present in neither backend is left unset; the backend
// subprocess simply starts without it.
func KeyringEnvBuilder(credentialKeys ...string) EnvBuilder {
	resolver := secrets.NewResolver(secrets.NewEnvBackend(), secrets.NewKeychainBackend())
	return func(_, _, _ string) ([]string, error) {
		env := os.Environ()
		for _, key := range credentialKeys {
			value, err := resolver.Get(context.Background(), key)
			switch {
			case err == nil:
				env = append(env, fmt.Sprintf("%s=%s", key, value))
			case errors.Is(err, secrets.ErrSecretNotFound):
				// Not in any backend; whatever is already in os.Environ()
				// (if anything) stands.
			default:
				return nil, fmt.Errorf("agent: resolve secret %s: %w", key, err)
			}
		}
		return env, nil
	}
}
