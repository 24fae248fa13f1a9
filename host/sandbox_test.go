package host

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// bareSandbox has the control plumbing of a sandbox but no worker.
func bareSandbox(logs *bytes.Buffer) *Sandbox {
	return &Sandbox{
		desc:    &entities.PluginDescriptor{Name: "bare"},
		control: make(chan entities.ControlMessage, controlBuffer),
		exiting: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  slog.New(slog.NewTextHandler(logs, nil)),
	}
}

func TestSandbox_SendRefusedOnceWorkerExits(t *testing.T) {
	var logs bytes.Buffer
	sb := bareSandbox(&logs)
	sb.state.Store(int32(entities.StateRunning))

	// The worker has left its loop but has not reached Stopped yet; the
	// control channel still has room.
	close(sb.exiting)
	for range 100 {
		require.ErrorIs(t, sb.Send(context.Background(), entities.ControlStop), errors.ErrSandboxStopped)
	}
	assert.Empty(t, sb.control)
}

func TestSandbox_QueuedMessagesAreReportedOnExit(t *testing.T) {
	var logs bytes.Buffer
	sb := bareSandbox(&logs)

	require.NoError(t, sb.Send(context.Background(), entities.ControlInitialize))
	require.NoError(t, sb.Send(context.Background(), entities.ControlStop))

	sb.closeControl(context.Background())

	assert.Empty(t, sb.control)
	assert.Equal(t, 2, bytes.Count(logs.Bytes(), []byte("control message dropped")))
	assert.ErrorIs(t, sb.Send(context.Background(), entities.ControlStop), errors.ErrSandboxStopped)
}

func TestSandbox_FullChannelDoesNotBlockExit(t *testing.T) {
	var logs bytes.Buffer
	sb := bareSandbox(&logs)
	for range controlBuffer {
		require.NoError(t, sb.Send(context.Background(), entities.ControlInitialize))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sb.Send(context.Background(), entities.ControlStop) }()

	// A full channel must not keep the worker from exiting.
	sb.closeControl(context.Background())
	assert.ErrorIs(t, <-errCh, errors.ErrSandboxStopped)
}
