package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

func TestMemoryFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(1, 2)

	require.NoError(t, q.Enqueue(ctx, []byte("a")))
	require.NoError(t, q.Enqueue(ctx, []byte("b")))
	require.ErrorIs(t, q.Enqueue(ctx, []byte("c")), ErrFull)

	head, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, "a", string(head))

	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", string(msg))
	msg, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "b", string(msg))

	_, err = q.Dequeue(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryDequeueUnblocksOnClose(t *testing.T) {
	q := NewMemory(1, 0)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue stayed blocked after close")
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pair, err := NewMemoryFactory(0).CreatePair("worker", 0)
	require.NoError(t, err)
	go func() {
		_ = Respond(ctx, pair, func(msg models.ControlMessage) models.ControlReply {
			if msg.Type == models.ControlClear {
				return models.ControlReply{Code: 507011, Message: "queue full"}
			}
			req := models.UnloadModelRequest{}
			_ = json.Unmarshal(msg.Payload, &req)
			payload, _ := json.Marshal(req.ModelID * 2)
			return models.ControlReply{Code: models.Success, Payload: payload}
		})
	}()

	client := NewClient("worker", pair)
	reply, err := client.Call(ctx, models.ControlUnload, models.UnloadModelRequest{ModelID: 21}, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, "42", string(reply.Payload))

	_, err = client.Call(ctx, models.ControlClear, nil, time.Second)
	var resErr *ResultError
	require.ErrorAs(t, err, &resErr)
	require.Equal(t, models.ResultCode(507011), resErr.Code)
}

func TestClientTimeout(t *testing.T) {
	pair, err := NewMemoryFactory(0).CreatePair("silent", 0)
	require.NoError(t, err)
	client := NewClient("silent", pair)

	_, err = client.SendRequest(context.Background(), models.ControlLoad, nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClientWakeUnblocksPendingRequest(t *testing.T) {
	pair, err := NewMemoryFactory(0).CreatePair("stuck", 0)
	require.NoError(t, err)
	client := NewClient("stuck", pair)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), models.ControlLoad, nil, time.Hour)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWoken)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not woken")
	}
	_, err = client.SendRequest(context.Background(), models.ControlLoad, nil, time.Second)
	require.ErrorIs(t, err, ErrWoken)
}
