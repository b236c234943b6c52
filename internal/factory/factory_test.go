package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/internal/storage"
)

func TestValidate_Memory(t *testing.T) {
	assert.NoError(t, Validate(BackendConfig{Type: Memory}))
}

func TestValidate_Embedded(t *testing.T) {
	assert.NoError(t, Validate(BackendConfig{Type: Embedded, Path: "/tmp/x.db"}))

	err := Validate(BackendConfig{Type: Embedded})
	require.Error(t, err)
	assert.True(t, storage.HasCode(err, storage.CodeValidation))
	assert.Contains(t, err.Error(), "path")
}

// Every missing field is reported at once, not just the first.
func TestValidate_Relational_AggregatesErrors(t *testing.T) {
	err := Validate(BackendConfig{Type: Relational, Port: 99999})
	require.Error(t, err)
	assert.True(t, storage.HasCode(err, storage.CodeValidation))
	assert.Contains(t, err.Error(), "host")
	assert.Contains(t, err.Error(), "database")
	assert.Contains(t, err.Error(), "username")
	assert.Contains(t, err.Error(), "port")
}

func TestValidate_UnknownType(t *testing.T) {
	err := Validate(BackendConfig{Type: "blockchain"})
	require.Error(t, err)
	assert.True(t, storage.HasCode(err, storage.CodeValidation))

	err = Validate(BackendConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type is required")
}

func TestNew_Memory(t *testing.T) {
	backend, err := New(BackendConfig{Type: Memory}, nil)
	require.NoError(t, err)
	require.NotNil(t, backend)

	ctx := context.Background()
	require.NoError(t, backend.Connect(ctx))
	defer backend.Close()

	created, err := backend.Create(ctx, "users", &storage.Entity{Fields: map[string]any{"name": "a"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestNew_Embedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.db")
	backend, err := New(BackendConfig{Type: Embedded, Path: path}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, backend.Connect(ctx))
	defer backend.Close()

	h, err := backend.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, "embedded", h.Backend)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(BackendConfig{Type: Embedded}, nil)
	require.Error(t, err)
	assert.True(t, storage.HasCode(err, storage.CodeValidation))
}

func TestCapabilities(t *testing.T) {
	assert.Contains(t, Capabilities(Relational), CapTransactions)
	assert.Contains(t, Capabilities(Relational), CapSQL)
	assert.NotContains(t, Capabilities(Memory), CapPersistence)
	assert.Contains(t, Capabilities(Embedded), CapPersistence)

	// Returned slices are copies.
	caps := Capabilities(Memory)
	caps[0] = "tampered"
	assert.NotContains(t, Capabilities(Memory), Capability("tampered"))
}

func TestRecommend_TestEnvironment(t *testing.T) {
	recs := Recommend(Requirements{
		Environment: "test",
		Persistence: false,
		Budget:      TierLow,
	})
	require.Len(t, recs, 3)
	assert.Equal(t, Memory, recs[0].Backend, "ephemeral zero-setup workloads favor memory")
	assert.NotEmpty(t, recs[0].Reasons)
}

func TestRecommend_DurableComplexQueries(t *testing.T) {
	recs := Recommend(Requirements{
		Environment:     "server",
		Persistence:     true,
		QueryComplexity: TierHigh,
		Consistency:     TierHigh,
		Scalability:     TierHigh,
	})
	require.Len(t, recs, 3)
	assert.Equal(t, Relational, recs[0].Backend)

	// Memory ranks last and carries the durability warning.
	last := recs[2]
	assert.Equal(t, Memory, last.Backend)
	assert.NotEmpty(t, last.Warnings)
}

func TestRecommend_EdgeFavorsEmbedded(t *testing.T) {
	recs := Recommend(Requirements{
		Environment: "edge",
		Persistence: true,
		Budget:      TierLow,
	})
	require.Len(t, recs, 3)
	assert.Equal(t, Embedded, recs[0].Backend)
}

func TestRecommend_ScoresAreOrdered(t *testing.T) {
	recs := Recommend(Requirements{Persistence: true, DataSize: TierHigh})
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i-1].Score, recs[i].Score)
	}
}
