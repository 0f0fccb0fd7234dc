//go:build integration

package eventstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/engine/domain"
)

func testDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	url := envOr("NEO4J_URL", "neo4j://localhost:7687")
	driver, err := neo4j.NewDriverWithContext(url, neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Skipf("neo4j not reachable: %v", err)
	}
	return driver
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestInsertBatch_DedupByLogHash(t *testing.T) {
	driver := testDriver(t)
	defer driver.Close(context.Background())

	s := New(driver)
	require.NoError(t, s.EnsureSchema(context.Background()))

	var h domain.Hash128
	h[0] = 0x99
	ev := domain.Event{Timestamp: time.Now(), Service: "auth", Host: "node-1", Level: domain.LevelInfo, Message: "hi", LogHash: h}

	result, err := s.InsertBatch(context.Background(), []domain.Event{ev})
	require.NoError(t, err)
	require.Len(t, result.AcceptedIDs, 1)

	existing, err := s.ExistingHashes(context.Background(), []domain.Hash128{h})
	require.NoError(t, err)
	require.True(t, existing[h])
}

func TestInsertBatch_IntraBatchDuplicateDoesNotError(t *testing.T) {
	driver := testDriver(t)
	defer driver.Close(context.Background())

	s := New(driver)
	require.NoError(t, s.EnsureSchema(context.Background()))

	var h domain.Hash128
	h[0] = 0xaa
	ev := domain.Event{Timestamp: time.Now(), Service: "auth", Host: "node-1", Level: domain.LevelInfo, Message: "hi", LogHash: h}

	result, err := s.InsertBatch(context.Background(), []domain.Event{ev, ev})
	require.NoError(t, err)
	require.Len(t, result.AcceptedIDs, 1)
	require.Equal(t, 1, result.Duplicates)
	require.True(t, result.CreatedHashes[h])
}

func TestInsertBatch_CrossCallDuplicateDoesNotError(t *testing.T) {
	driver := testDriver(t)
	defer driver.Close(context.Background())

	s := New(driver)
	require.NoError(t, s.EnsureSchema(context.Background()))

	var h domain.Hash128
	h[0] = 0xbb
	ev := domain.Event{Timestamp: time.Now(), Service: "auth", Host: "node-1", Level: domain.LevelInfo, Message: "hi", LogHash: h}

	first, err := s.InsertBatch(context.Background(), []domain.Event{ev})
	require.NoError(t, err)
	require.Len(t, first.AcceptedIDs, 1)

	second, err := s.InsertBatch(context.Background(), []domain.Event{ev})
	require.NoError(t, err)
	require.Empty(t, second.AcceptedIDs)
	require.Equal(t, 1, second.Duplicates)
}
