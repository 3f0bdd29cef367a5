package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvmapd/kvmapd/internal/kvmap"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := kvmap.Request{Op: kvmap.OpPut, Key: "k1", Value: []byte("v1"), TTL: 42}

	data, err := Encode(1234, req)
	require.NoError(t, err)

	cmd, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, int64(1234), cmd.Timestamp)
	require.Equal(t, req, cmd.Request)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}
