// Package transport carries dispatch calls to client processes.
//
// Exec spawns a client's entrypoint once per call, writes a protocol
// request envelope to its stdin and reads the response from its stdout.
// When the call's context ends first the process gets SIGTERM, then
// SIGKILL after a grace period.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/registry"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a client.
	maxStderrBytes = 64 * 1024

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

var ErrNoEntrypoint = errors.New("transport: client has no entrypoint")

// Exec implements dispatch.Caller over per-call subprocesses. It learns
// entrypoints from client registrations by acting as a lifecycle hook.
type Exec struct {
	grace  time.Duration
	logger *slog.Logger
	newID  func() string

	mu          sync.RWMutex
	entrypoints map[string]string
}

// NewExec creates an exec transport. A zero grace uses DefaultGracePeriod.
func NewExec(grace time.Duration) *Exec {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Exec{
		grace:       grace,
		logger:      log.WithComponent("transport"),
		newID:       uuid.NewString,
		entrypoints: make(map[string]string),
	}
}

// SetEntrypoint points client at an executable.
func (x *Exec) SetEntrypoint(client, entrypoint string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if entrypoint == "" {
		delete(x.entrypoints, client)
		return
	}
	x.entrypoints[client] = entrypoint
}

func (x *Exec) entrypoint(client string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ep, ok := x.entrypoints[client]
	return ep, ok
}

func (x *Exec) ClientRegistered(_ dispatch.View, c *registry.Client) {
	x.SetEntrypoint(c.Name, c.Entrypoint)
}

func (x *Exec) ClientVanished(_ dispatch.View, c *registry.Client) {
	x.SetEntrypoint(c.Name, "")
}

func (x *Exec) ObserveChannels(ctx context.Context, client string, call dispatch.ObserveCall) error {
	return x.invoke(ctx, client, protocol.MethodObserveChannels, call)
}

func (x *Exec) AddDispatchOperation(ctx context.Context, client string, call dispatch.ApproveCall) error {
	return x.invoke(ctx, client, protocol.MethodAddDispatchOperation, call)
}

func (x *Exec) HandleChannels(ctx context.Context, client string, call dispatch.HandleCall) error {
	return x.invoke(ctx, client, protocol.MethodHandleChannels, call)
}

func (x *Exec) AddRequest(ctx context.Context, client string, call dispatch.AddRequestCall) error {
	return x.invoke(ctx, client, protocol.MethodAddRequest, call)
}

func (x *Exec) RemoveRequest(ctx context.Context, client string, requestID, errName string) error {
	return x.invoke(ctx, client, protocol.MethodRemoveRequest, protocol.RemoveRequestPayload{
		Request:   requestID,
		ErrorName: errName,
	})
}

func (x *Exec) invoke(ctx context.Context, client string, method protocol.Method, payload any) error {
	ep, ok := x.entrypoint(client)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEntrypoint, client)
	}

	req, err := protocol.NewRequest(x.newID(), client, method, payload)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		req.DeadlineAt = dl
	}

	logger := log.WithClient(client).With("component", "transport", "method", method, "call_id", req.CallID)
	resp, stderr, err := x.spawn(ctx, ep, req, logger)
	if err != nil {
		if stderr != "" {
			logger.Debug("client stderr", "stderr", stderr)
		}
		return fmt.Errorf("%s %s: %w", method, client, err)
	}

	for _, entry := range resp.Logs {
		logger.Info("client log", "level", entry.Level, "message", entry.Message)
	}
	if err := resp.Err(); err != nil {
		logger.Warn("client returned error", "error", err)
		return err
	}
	return nil
}

// spawn runs entrypoint with req on stdin and decodes its stdout.
func (x *Exec) spawn(ctx context.Context, entrypoint string, req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	// Don't use CommandContext - termination is managed here.
	cmd := exec.Command(entrypoint)
	// Orphaned grandchildren holding stdout must not stall Wait.
	cmd.WaitDelay = x.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning client", "entrypoint", entrypoint)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("client call cancelled, sending SIGTERM", "reason", ctx.Err())
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(x.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("client exited after SIGTERM")
		case <-grace.C:
			logger.Warn("client did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("client exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode client response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
