package memberlist

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

func TestTranslate(t *testing.T) {
	dead := memberlist.NodeEvent{
		Event: memberlist.NodeLeave,
		Node: &memberlist.Node{
			Name:  "node-2",
			State: memberlist.StateDead,
			Meta:  []byte(`{"devices":[4,5]}`),
		},
	}
	event, ok := translate(dead)
	require.True(t, ok)
	require.Equal(t, models.MemberShipEvent{
		Type:      models.MemberShipDead,
		From:      "node-2",
		DeviceIDs: []int32{4, 5},
	}, event)

	left := dead
	left.Node = &memberlist.Node{Name: "node-2", State: memberlist.StateLeft}
	event, ok = translate(left)
	require.True(t, ok)
	require.Equal(t, models.MemberShipUpdating, event.Type)
	require.Empty(t, event.DeviceIDs)

	_, ok = translate(memberlist.NodeEvent{
		Event: memberlist.NodeUpdate,
		Node:  &memberlist.Node{Name: "node-2", State: memberlist.StateAlive},
	})
	require.False(t, ok)
}

func TestTwoNodesSeeEachOther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{GossipProbeInterval: 100 * time.Millisecond, GossipProbeTimeout: 50 * time.Millisecond}
	first := make(chan models.MemberShipEvent, 16)
	cfg.Port = 17946
	a, err := New(ctx, "node-a", []int32{0, 1}, cfg, first)
	require.NoError(t, err)
	defer a.Close()

	second := make(chan models.MemberShipEvent, 16)
	cfg.Port = 17947
	cfg.SeedNodes = []string{"127.0.0.1:17946"}
	b, err := New(ctx, "node-b", []int32{5}, cfg, second)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Join(ctx))

	select {
	case event := <-first:
		require.Equal(t, models.MemberShipNew, event.Type)
		require.Equal(t, models.NodeID("node-b"), event.From)
		require.Equal(t, []int32{5}, event.DeviceIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("join was not observed")
	}
	require.Len(t, a.Members(), 2)
}
