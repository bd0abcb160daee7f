package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func writeScript(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func handleCall() dispatch.HandleCall {
	return dispatch.HandleCall{
		Account:    "acct0",
		Connection: "conn0",
		Channels: []*channel.Channel{{
			ID:         "/conn0/channel1",
			Properties: channel.Properties{channel.PropChannelType: "Text"},
		}},
		SatisfiedRequests: []string{"r1"},
	}
}

func TestExecSuccessWritesEnvelope(t *testing.T) {
	dir := t.TempDir()
	captured := filepath.Join(dir, "request.json")
	ep := writeScript(t, "ok.sh", fmt.Sprintf(`#!/bin/bash
cat > %q
echo '{"status": "ok", "logs": [{"level": "info", "message": "took it"}]}'
`, captured))

	x := NewExec(0)
	x.SetEntrypoint("org.example.Chat", ep)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, x.HandleChannels(ctx, "org.example.Chat", handleCall()))

	data, err := os.ReadFile(captured)
	require.NoError(t, err)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, protocol.Version, req.Protocol)
	assert.Equal(t, protocol.MethodHandleChannels, req.Method)
	assert.Equal(t, "org.example.Chat", req.Client)
	assert.NotEmpty(t, req.CallID)
	assert.False(t, req.DeadlineAt.IsZero())

	var payload dispatch.HandleCall
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, []string{"r1"}, payload.SatisfiedRequests)
	require.Len(t, payload.Channels, 1)
	assert.Equal(t, "/conn0/channel1", payload.Channels[0].ID)
}

func TestExecClientError(t *testing.T) {
	ep := writeScript(t, "err.sh", `#!/bin/bash
read input
echo '{"status": "error", "error": "not now", "error_name": "org.freedesktop.Telepathy.Error.NotAvailable"}'
`)
	x := NewExec(0)
	x.SetEntrypoint("c", ep)

	err := x.AddDispatchOperation(context.Background(), "c", dispatch.ApproveCall{Operation: "op1"})
	var ce *protocol.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "org.freedesktop.Telepathy.Error.NotAvailable", ce.Name)
	assert.Equal(t, "not now", ce.Message)
}

func TestExecBadOutput(t *testing.T) {
	ep := writeScript(t, "bad.sh", `#!/bin/bash
read input
echo 'this is not json'
exit 3
`)
	x := NewExec(0)
	x.SetEntrypoint("c", ep)

	err := x.ObserveChannels(context.Background(), "c", dispatch.ObserveCall{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestExecTimeoutTerminatesClient(t *testing.T) {
	ep := writeScript(t, "slow.sh", `#!/bin/bash
read input
exec sleep 30
`)
	x := NewExec(100 * time.Millisecond)
	x.SetEntrypoint("c", ep)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := x.HandleChannels(ctx, "c", handleCall())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecUnknownClient(t *testing.T) {
	x := NewExec(0)
	err := x.RemoveRequest(context.Background(), "ghost", "r1", "org.freedesktop.Telepathy.Error.Cancelled")
	assert.ErrorIs(t, err, ErrNoEntrypoint)
}

func TestExecLearnsEntrypointsFromRegistrations(t *testing.T) {
	ep := writeScript(t, "ok.sh", `#!/bin/bash
cat > /dev/null
echo '{"status": "ok"}'
`)
	x := NewExec(0)
	c := &registry.Client{Descriptor: registry.Descriptor{Name: "c", Entrypoint: ep}}

	x.ClientRegistered(nil, c)
	require.NoError(t, x.AddRequest(context.Background(), "c", dispatch.AddRequestCall{Request: "r1"}))

	x.ClientVanished(nil, c)
	err := x.AddRequest(context.Background(), "c", dispatch.AddRequestCall{Request: "r1"})
	assert.ErrorIs(t, err, ErrNoEntrypoint)
}

func TestTruncateStderr(t *testing.T) {
	long := make([]byte, maxStderrBytes+10)
	assert.Len(t, truncateStderr(string(long)), maxStderrBytes)
	assert.Equal(t, "short", truncateStderr("short"))
}
