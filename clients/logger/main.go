// Command logger is a reference switchboard client. It answers every call
// with success and reports what it saw through the response logs, which the
// exec transport forwards to the switchboard log.
//
// Environment:
//
//	LOGGER_DECLINE   comma-separated methods to refuse (e.g. HandleChannels)
//	LOGGER_STDERR    when set, also print a summary line to stderr
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

func main() {
	resp := handle(os.Stdin, declined(os.Getenv("LOGGER_DECLINE")))
	if os.Getenv("LOGGER_STDERR") != "" {
		fmt.Fprintf(os.Stderr, "logger: %s\n", summary(resp))
	}
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func declined(list string) map[protocol.Method]bool {
	out := make(map[protocol.Method]bool)
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out[protocol.Method(m)] = true
		}
	}
	return out
}

func handle(r io.Reader, decline map[protocol.Method]bool) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp("", fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocol.Version {
		return errResp("", fmt.Sprintf("unsupported protocol version %d", req.Protocol))
	}

	if decline[req.Method] {
		name := dispatch.ErrorNameNotAvailable
		if req.Method == protocol.MethodHandleChannels {
			name = dispatch.ErrorNameNotYours
		}
		return errResp(name, fmt.Sprintf("%s declined by %s", req.Method, req.Client))
	}

	line, err := describe(req)
	if err != nil {
		return errResp("", err.Error())
	}
	return protocol.Response{
		Status: "ok",
		Logs:   []protocol.LogEntry{info(line)},
	}
}

// describe renders one log line for a call.
func describe(req protocol.Request) (string, error) {
	switch req.Method {
	case protocol.MethodObserveChannels:
		var c dispatch.ObserveCall
		if err := unmarshal(req, &c); err != nil {
			return "", err
		}
		verb := "observe"
		if c.Recovering {
			verb = "recover"
		}
		return fmt.Sprintf("%s %s on %s: %s", verb, opLabel(c.Operation), c.Connection, channelIDs(c.Channels)), nil

	case protocol.MethodAddDispatchOperation:
		var c dispatch.ApproveCall
		if err := unmarshal(req, &c); err != nil {
			return "", err
		}
		return fmt.Sprintf("approve %s on %s: %s handlers=%s",
			opLabel(c.Operation), c.Connection, channelIDs(c.Channels), strings.Join(c.PossibleHandlers, ",")), nil

	case protocol.MethodHandleChannels:
		var c dispatch.HandleCall
		if err := unmarshal(req, &c); err != nil {
			return "", err
		}
		line := fmt.Sprintf("handle on %s: %s", c.Connection, channelIDs(c.Channels))
		if len(c.SatisfiedRequests) > 0 {
			line += " satisfies=" + strings.Join(c.SatisfiedRequests, ",")
		}
		return line, nil

	case protocol.MethodAddRequest:
		var c dispatch.AddRequestCall
		if err := unmarshal(req, &c); err != nil {
			return "", err
		}
		keys := make([]string, 0, len(c.Properties))
		for k := range c.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("request %s on %s: properties=%s", c.Request, c.Account, strings.Join(keys, ",")), nil

	case protocol.MethodRemoveRequest:
		var c protocol.RemoveRequestPayload
		if err := unmarshal(req, &c); err != nil {
			return "", err
		}
		return fmt.Sprintf("request %s removed: %s", c.Request, c.ErrorName), nil
	}
	return "", fmt.Errorf("unknown method: %s", req.Method)
}

func unmarshal(req protocol.Request, v any) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("%s requires a payload", req.Method)
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", req.Method, err)
	}
	return nil
}

func opLabel(id string) string {
	if id == "" {
		return "-"
	}
	return id
}

func channelIDs(chans []*channel.Channel) string {
	ids := make([]string, 0, len(chans))
	for _, c := range chans {
		ids = append(ids, c.ID)
	}
	return "[" + strings.Join(ids, " ") + "]"
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func errResp(name, msg string) protocol.Response {
	return protocol.Response{
		Status:    "error",
		Error:     msg,
		ErrorName: name,
		Logs:      []protocol.LogEntry{{Level: "error", Message: msg}},
	}
}

func summary(resp protocol.Response) string {
	if resp.Status == "error" {
		return "error: " + resp.Error
	}
	if len(resp.Logs) > 0 {
		return resp.Logs[0].Message
	}
	return resp.Status
}
