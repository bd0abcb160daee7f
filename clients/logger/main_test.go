package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

func encode(t *testing.T, method protocol.Method, payload any) *bytes.Buffer {
	t.Helper()
	req, err := protocol.NewRequest("call-1", "Logger", method, payload)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	return &buf
}

func TestHandleDescribesEachMethod(t *testing.T) {
	chans := []*channel.Channel{{ID: "/conn0/channel1"}, {ID: "/conn0/channel2"}}

	tests := []struct {
		name    string
		method  protocol.Method
		payload any
		want    string
	}{
		{
			name:    "observe",
			method:  protocol.MethodObserveChannels,
			payload: dispatch.ObserveCall{Connection: "conn0", Channels: chans, Operation: "op-1"},
			want:    "observe op-1 on conn0: [/conn0/channel1 /conn0/channel2]",
		},
		{
			name:    "recovering observe",
			method:  protocol.MethodObserveChannels,
			payload: dispatch.ObserveCall{Connection: "conn0", Channels: chans[:1], Recovering: true},
			want:    "recover - on conn0: [/conn0/channel1]",
		},
		{
			name:    "approve",
			method:  protocol.MethodAddDispatchOperation,
			payload: dispatch.ApproveCall{Operation: "op-2", Connection: "conn0", Channels: chans[:1], PossibleHandlers: []string{"Chat", "Logger"}},
			want:    "approve op-2 on conn0: [/conn0/channel1] handlers=Chat,Logger",
		},
		{
			name:    "handle",
			method:  protocol.MethodHandleChannels,
			payload: dispatch.HandleCall{Connection: "conn0", Channels: chans[1:], SatisfiedRequests: []string{"r1"}},
			want:    "handle on conn0: [/conn0/channel2] satisfies=r1",
		},
		{
			name:    "add request",
			method:  protocol.MethodAddRequest,
			payload: dispatch.AddRequestCall{Request: "r1", Account: "acct0", Properties: channel.Properties{"type": "text", "handle": "bob"}},
			want:    "request r1 on acct0: properties=handle,type",
		},
		{
			name:    "remove request",
			method:  protocol.MethodRemoveRequest,
			payload: protocol.RemoveRequestPayload{Request: "r1", ErrorName: dispatch.ErrorNameNotAvailable},
			want:    "request r1 removed: " + dispatch.ErrorNameNotAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(encode(t, tt.method, tt.payload), nil)
			if resp.Status != "ok" {
				t.Fatalf("status = %q, error = %s", resp.Status, resp.Error)
			}
			if len(resp.Logs) != 1 || resp.Logs[0].Message != tt.want {
				t.Fatalf("logs = %+v, want %q", resp.Logs, tt.want)
			}
		})
	}
}

func TestHandleDeclines(t *testing.T) {
	decline := declined(" HandleChannels , AddDispatchOperation")

	resp := handle(encode(t, protocol.MethodHandleChannels, dispatch.HandleCall{}), decline)
	if resp.Status != "error" || resp.ErrorName != dispatch.ErrorNameNotYours {
		t.Fatalf("handle: %+v", resp)
	}

	resp = handle(encode(t, protocol.MethodAddDispatchOperation, dispatch.ApproveCall{}), decline)
	if resp.Status != "error" || resp.ErrorName != dispatch.ErrorNameNotAvailable {
		t.Fatalf("approve: %+v", resp)
	}

	resp = handle(encode(t, protocol.MethodObserveChannels, dispatch.ObserveCall{}), decline)
	if resp.Status != "ok" {
		t.Fatalf("observe should not be declined: %+v", resp)
	}
}

func TestHandleBadInput(t *testing.T) {
	resp := handle(strings.NewReader("{not json"), nil)
	if resp.Status != "error" || !strings.Contains(resp.Error, "invalid request JSON") {
		t.Fatalf("resp = %+v", resp)
	}

	resp = handle(strings.NewReader(`{"protocol":2,"method":"HandleChannels"}`), nil)
	if resp.Status != "error" || !strings.Contains(resp.Error, "unsupported protocol version") {
		t.Fatalf("resp = %+v", resp)
	}

	resp = handle(strings.NewReader(`{"protocol":1,"method":"HandleChannels"}`), nil)
	if resp.Status != "error" || !strings.Contains(resp.Error, "requires a payload") {
		t.Fatalf("resp = %+v", resp)
	}
}
