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

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFloat32SliceToBlob_RoundTrips(t *testing.T) {
	vec := []float32{0.1, -0.2, 0.3, 1.0}
	blob := encodeFloat32SliceToBlob(vec)
	require.Len(t, blob, len(vec)*4)

	decoded := make([]float32, len(vec))
	for i := range decoded {
		bits := binary.LittleEndian.Uint32(blob[i*4 : i*4+4])
		decoded[i] = math.Float32frombits(bits)
	}
	assert.Equal(t, vec, decoded)
}

func TestOpen_RejectsNonPositiveDimensions(t *testing.T) {
	_, err := Open(t.TempDir()+"/test.db", 0, 10)
	require.Error(t, err)
}
