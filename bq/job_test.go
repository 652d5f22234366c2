package bq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePartitioner struct{ key string }

func (f fakePartitioner) PartitionKey() (string, bool) { return f.key, f.key != "" }

func TestResolvePartitionOverrideWins(t *testing.T) {
	got := resolvePartition(fakePartitioner{key: "from-job"}, "override", nil)
	require.Equal(t, "override", got)
}

func TestResolvePartitionUsesPartitioner(t *testing.T) {
	got := resolvePartition(fakePartitioner{key: "from-job"}, "", nil)
	require.Equal(t, "from-job", got)
}

func TestResolvePartitionUsesResolver(t *testing.T) {
	resolver := func(payload any) (string, bool) { return "from-resolver", true }
	got := resolvePartition("opaque-payload", "", resolver)
	require.Equal(t, "from-resolver", got)
}

func TestResolvePartitionConventionalField(t *testing.T) {
	got := resolvePartition(map[string]any{"userId": "u-42"}, "", nil)
	require.Equal(t, "u-42", got)
}

func TestResolvePartitionConventionalFieldIntegerRoundTrips(t *testing.T) {
	got := resolvePartition(map[string]any{"tenant_id": 12345}, "", nil)
	require.Equal(t, "12345", got)
}

func TestResolvePartitionDefault(t *testing.T) {
	got := resolvePartition([]byte("raw bytes"), "", nil)
	require.Equal(t, defaultPartition, got)
}

func TestResolvePartitionPartitionerDeclines(t *testing.T) {
	got := resolvePartition(fakePartitioner{key: ""}, "", nil)
	require.Equal(t, defaultPartition, got)
}
