package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
)

func TestTaskMessageByStatus(t *testing.T) {
	data, err := TaskMessage(&model.RenderTask{TaskID: "t1", TargetType: model.TargetScene, TargetID: "s1", Status: model.RenderStatusRunning})
	require.NoError(t, err)
	var status model.WSStatusMessage
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, model.WSMessageTypeStatus, status.Type)
	assert.Equal(t, model.RenderStatusRunning, status.Status)

	data, err = TaskMessage(&model.RenderTask{TaskID: "t1", Status: model.RenderStatusSuccess, Result: &model.RenderResult{OutputPath: "/out/a.mp4"}})
	require.NoError(t, err)
	var done model.WSCompleteMessage
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, model.WSMessageTypeComplete, done.Type)
	assert.Equal(t, "/out/a.mp4", done.Result.OutputPath)

	data, err = TaskMessage(&model.RenderTask{TaskID: "t1", Status: model.RenderStatusFailure, Error: &model.TaskError{Kind: "RENDER_ERROR", Message: "boom"}})
	require.NoError(t, err)
	var failed model.WSErrorMessage
	require.NoError(t, json.Unmarshal(data, &failed))
	assert.Equal(t, "RENDER_ERROR", failed.Error.Code)
}

func TestHubDeliversToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(logger.Nop())
	go hub.Run(ctx)

	client := &Client{TaskID: "t1", Send: make(chan []byte, 4)}
	other := &Client{TaskID: "t2", Send: make(chan []byte, 4)}
	hub.Register(client)
	hub.Register(other)
	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 1 }, time.Second, time.Millisecond)

	hub.NotifyTask(&model.RenderTask{TaskID: "t1", Status: model.RenderStatusRunning})

	select {
	case msg := <-client.Send:
		assert.Contains(t, string(msg), `"status":"RUNNING"`)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	assert.Empty(t, other.Send)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.Subscribers("t1") == 0 }, time.Second, time.Millisecond)
	_, open := <-client.Send
	assert.False(t, open)
}

func TestNotifyTaskNeverBlocks(t *testing.T) {
	hub := NewHub(logger.Nop())
	// no Run loop: the buffer fills and further updates are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.NotifyTask(&model.RenderTask{TaskID: "t1", Status: model.RenderStatusPending})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyTask blocked")
	}
}
