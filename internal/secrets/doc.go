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

/*
Package secrets redacts Provider Secret values out of Run output before it
ever reaches the Structured Event Pipeline.

# Overview

A Redactor is registered with the plaintext of every secret scoped to a
Run's Repository before the harness produces a single byte of output; every
chunk of harness output then passes through Redact, which replaces each
exact occurrence of a registered value with a fixed mask before the chunk is
persisted or streamed to a subscriber. Altered forms of a value (a different
case, an inserted separator, an encoding) are not matched.

# Usage

	redactor := secrets.New()
	redactor.Register(plaintextAPIKey)

	safe := redactor.Redact(rawChunk)

Registered values are decrypted from storage by the caller (see
internal/daemon/secretcrypto) — the Redactor itself only ever holds
plaintext in memory for the lifetime of one Run.
*/
package secrets
