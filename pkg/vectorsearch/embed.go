// Copyright 2025 AxonFlow
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

package vectorsearch

import "context"

// Embedder generates the query vector a Search call needs. Concrete
// engines (a Bedrock Titan embedding call, Gemini's embed-content
// endpoint, ...) adapt to this interface; which one is wired is a
// deployment concern the Procedure-Code Agent doesn't need to know
// about (§4.3 step 2).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
