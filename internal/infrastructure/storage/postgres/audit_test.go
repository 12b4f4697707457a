package postgres

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmstock/internal/core/id"
)

func TestAuditService_InflateRoundTrip(t *testing.T) {
	svc, err := NewAuditService(nil, 64)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"notes": strings.Repeat("recount ", 200)})
	require.NoError(t, err)

	entry := AuditEntry{
		ID:                id.New(),
		ChangesCompressed: svc.encoder.EncodeAll(body, nil),
		CompressionAlgo:   CompressionZstd,
	}
	assert.Less(t, len(entry.ChangesCompressed), len(body))

	require.NoError(t, svc.inflate(&entry))
	assert.JSONEq(t, string(body), string(entry.Changes))
	assert.Nil(t, entry.ChangesCompressed)
	assert.Equal(t, CompressionNone, entry.CompressionAlgo)
}

func TestAuditService_InflateRejectsCorruptData(t *testing.T) {
	svc, err := NewAuditService(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCompressThreshold, svc.compressThreshold)

	entry := AuditEntry{ChangesCompressed: []byte("not zstd"), CompressionAlgo: CompressionZstd}
	assert.Error(t, svc.inflate(&entry))
}
