package postgres

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

func TestAbnormalQuery(t *testing.T) {
	sql, args, err := abnormalQuery("node-1", nil)
	require.NoError(t, err)
	require.Equal(t,
		"SELECT root_model_id, instance_name FROM abnormal_instances WHERE event_type = $1 AND node_id = $2 ORDER BY root_model_id, instance_name",
		sql)
	require.Equal(t, []any{"abnormal-instance", "node-1"}, args)

	sql, args, err = abnormalQuery("node-1", []uint32{3, 4})
	require.NoError(t, err)
	require.Contains(t, sql, "root_model_id IN ($3,$4)")
	require.Equal(t, []any{"abnormal-instance", "node-1", int64(3), int64(4)}, args)
}

// Runs against a real database when PG_HOST is set.
func TestRepositoryRoundTrip(t *testing.T) {
	host := os.Getenv("PG_HOST")
	if host == "" {
		t.Skip("PG_HOST is not set")
	}
	port, _ := strconv.Atoi(os.Getenv("PG_PORT"))
	if port == 0 {
		port = 5432
	}
	ctx := context.Background()
	repo, err := NewRepo(ctx, Config{
		User:     os.Getenv("PG_USER"),
		Password: os.Getenv("PG_PASSWORD"),
		Host:     host,
		Port:     uint16(port),
		Database: "postgres",
		MaxConns: 2,
	})
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.Migrate(ctx))

	node := models.NodeID("repo-test-" + strconv.FormatInt(time.Now().UnixNano(), 10))
	events := []models.AbnormalEvent{
		{Type: models.AbnormalInstanceDetected, NodeID: node, RootModelID: 1, InstanceName: "a", DetectedAt: time.Now()},
		{Type: models.AbnormalInstanceDetected, NodeID: node, RootModelID: 1, InstanceName: "a", DetectedAt: time.Now()},
		{Type: models.AbnormalInstanceDetected, NodeID: node, RootModelID: 2, InstanceName: "b", DetectedAt: time.Now()},
	}
	done, err := repo.SaveAbnormalEvents(ctx, events)
	require.NoError(t, err)
	require.Equal(t, 3, done)

	got, err := repo.GetAbnormalInstances(ctx, node, nil)
	require.NoError(t, err)
	require.Equal(t, map[uint32]map[string]bool{1: {"a": true}, 2: {"b": true}}, got)

	deleted, err := repo.AckRedeploy(ctx, node, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
	deleted, err = repo.AckRedeploy(ctx, node, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
}
