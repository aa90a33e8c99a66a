package analyzer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFlatShape(t *testing.T) {
	raw := []byte(`{"fileType":"PE32","fileSize":1024,"sha256":"abc","vulns":[{"severity":"High"}]}`)
	r, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "PE32", r.FileType)
	assert.Equal(t, "High", r.Vulns.Severity)
	assert.True(t, r.Vulns.HasVulns)
}

func TestNormalizeModularShape(t *testing.T) {
	raw := []byte(`{"analysis":{"fileType":"ELF","fileSize":2048,"vulns":[{"severity":"Critical"},{"severity":"Low"}]}}`)
	r, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "ELF", r.FileType)
	assert.Equal(t, "Critical", r.Vulns.Severity, "critical outranks any other severity present")
}

func TestNormalizeNoVulns(t *testing.T) {
	raw := []byte(`{"fileType":"PE32"}`)
	r, err := Normalize(raw)
	require.NoError(t, err)
	assert.False(t, r.Vulns.HasVulns)
	assert.Equal(t, "None", r.Vulns.Severity)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	raw := []byte(`{"fileType":"PE32","fileSize":10,"vulns":[{"severity":"Medium"}]}`)
	r1, err := Normalize(raw)
	require.NoError(t, err)

	reencoded, err := json.Marshal(flatResponse{
		FileType: r1.FileType,
		FileSize: r1.FileSize,
		Vulns:    []vulnDTO{{Severity: r1.Vulns.Severity}},
	})
	require.NoError(t, err)

	r2, err := Normalize(reencoded)
	require.NoError(t, err)
	assert.Equal(t, r1.Vulns.Severity, r2.Vulns.Severity)
}

func TestAnalyzerLogicalErrorOnFlatErrorField(t *testing.T) {
	raw := []byte(`{"error":"unsupported file format"}`)
	_, err := Normalize(raw)
	require.Error(t, err)
}
