/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/carverauto/routervault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportA = `# 2025-01-02 10:00:00 by RouterOS 7.16
# software id = ABCD-1234
#
/interface bridge
add name=bridge1
/ip address
add address=192.168.88.1/24 interface=bridge1
`

const exportALater = "# 2025-01-03 11:30:12 by RouterOS 7.16\r\n# software id = ABCD-1234\r\n\r\n" +
	"/interface bridge\r\n   add name=bridge1\r\n/ip address\r\nadd address=192.168.88.1/24 interface=bridge1\r\n"

const exportB = `# 2025-01-03 11:30:12 by RouterOS 7.16
/interface bridge
add name=bridge1
/ip address
add address=192.168.88.2/24 interface=bridge1
`

func TestNormalize(t *testing.T) {
	got := Normalize([]byte(exportA))

	assert.Equal(t,
		"/interface bridge\nadd name=bridge1\n/ip address\nadd address=192.168.88.1/24 interface=bridge1",
		string(got))
	assert.Empty(t, Normalize([]byte("# only comments\n\n   \n")))
}

func TestSumIgnoresTimestampAndWhitespace(t *testing.T) {
	assert.Equal(t, Sum([]byte(exportA)), Sum([]byte(exportALater)))
	assert.NotEqual(t, Sum([]byte(exportA)), Sum([]byte(exportB)))
}

func TestSumMatchesPlainSHA256OfNormalizedText(t *testing.T) {
	want := sha256.Sum256([]byte("/system identity\nset name=core"))

	assert.Equal(t, hex.EncodeToString(want[:]), Sum([]byte("# header\n/system identity\nset name=core\n")))
}

func TestFingerprintExcludesLogs(t *testing.T) {
	a := &models.Snapshot{Config: []byte(exportA), Logs: []byte("10:00 system,info login")}
	b := &models.Snapshot{Config: []byte(exportA), Logs: []byte("10:05 system,info logout")}

	fp := Fingerprint(a)
	require.Len(t, fp, 64)
	assert.Equal(t, strings.ToLower(fp), fp)
	assert.Equal(t, fp, Fingerprint(b))
	assert.Equal(t, Sum(nil), Fingerprint(nil))
}

func TestClassify(t *testing.T) {
	a := Sum([]byte(exportA))
	b := Sum([]byte(exportB))

	assert.Equal(t, NoBaseline, Classify("", a))
	assert.Equal(t, Unchanged, Classify(a, a))
	assert.Equal(t, Unchanged, Classify(strings.ToUpper(a), a))
	assert.Equal(t, Changed, Classify(a, b))
	assert.Equal(t, Changed, Classify("garbage", a))
	assert.Equal(t, "unchanged", Unchanged.String())
}

func TestCanonical(t *testing.T) {
	sum := sha256.Sum256([]byte("routervault"))
	wantHex := hex.EncodeToString(sum[:])

	cases := []struct {
		name       string
		input      string
		shouldFail bool
	}{
		{name: "hex lowercase", input: wantHex},
		{name: "hex uppercase", input: strings.ToUpper(wantHex)},
		{name: "base64 standard", input: base64.StdEncoding.EncodeToString(sum[:])},
		{name: "base64 raw url", input: base64.RawURLEncoding.EncodeToString(sum[:])},
		{name: "unsupported encoding", input: "not*valid*digest", shouldFail: true},
		{name: "wrong length", input: hex.EncodeToString(sum[:16]), shouldFail: true},
		{name: "empty", input: "  ", shouldFail: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonical(tc.input)
			if tc.shouldFail {
				require.Error(t, err)
				assert.False(t, Valid(tc.input))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, wantHex, got)
			assert.True(t, Valid(tc.input))
		})
	}
}
