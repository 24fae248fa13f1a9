package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/internal/testutil"
)

// fakeServerEnv makes the test binary act as a language server.
const fakeServerEnv = "WASMPROXY_FAKE_LSP"

func TestMain(m *testing.M) {
	switch os.Getenv(fakeServerEnv) {
	case "serve":
		os.Exit(runFakeServer(os.Stdin, os.Stdout))
	case "crash":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func runFakeServer(r io.Reader, w io.Writer) int {
	fmt.Fprintln(os.Stderr, "fake server ready")
	tr := NewTransport(r, w)
	for {
		data, err := tr.ReadMessage()
		if err != nil {
			return 0
		}
		var msg incomingMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		var result json.RawMessage
		switch msg.Method {
		case "initialize":
			cwd, _ := os.Getwd()
			result, _ = json.Marshal(map[string]any{"capabilities": map[string]any{}, "cwd": cwd})
		case "shutdown":
			result = json.RawMessage("null")
		case "exit":
			return 0
		case "echo":
			result = msg.Params
		default:
			continue
		}
		if len(msg.ID) > 0 {
			_ = tr.WriteMessage(responseMessage{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: result})
		}
	}
}

func TestLauncher_LaunchRequestShutdown(t *testing.T) {
	t.Setenv(fakeServerEnv, "serve")
	workspace := t.TempDir()

	launcher := NewLauncher(WithShutdownTimeout(2 * time.Second))
	server, err := launcher.Launch(context.Background(), ports.LanguageServerSpec{
		ExecPath:   os.Args[0],
		LanguageID: "rust",
		Workspace:  workspace,
		PluginID:   entities.PluginID(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "rust", server.LanguageID())
	assert.Equal(t, entities.PluginID(5), server.PluginID())

	got := make(chan entities.Response, 1)
	server.Request("echo", map[string]string{"hello": "world"}, func(r entities.Response) { got <- r })
	resp := testutil.Receive(t, got, 5*time.Second)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Result))

	require.NoError(t, server.Shutdown(context.Background()))

	client, ok := server.(*Client)
	require.True(t, ok)
	testutil.Receive(t, client.Done(), 5*time.Second)
}

func TestLauncher_UsesWorkspaceAsWorkingDir(t *testing.T) {
	t.Setenv(fakeServerEnv, "serve")
	workspace := t.TempDir()
	want, err := filepath.EvalSymlinks(workspace)
	require.NoError(t, err)

	launcher := NewLauncher()
	server, err := launcher.Launch(context.Background(), ports.LanguageServerSpec{
		ExecPath:   os.Args[0],
		LanguageID: "go",
		Workspace:  workspace,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	// Re-run initialize to read back what the server saw.
	client := server.(*Client)
	var result struct {
		Cwd string `json:"cwd"`
	}
	require.NoError(t, client.broker.Call(context.Background(), "initialize", initializeParams{}, &result))
	got, err := filepath.EvalSymlinks(result.Cwd)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLauncher_MissingBinary(t *testing.T) {
	launcher := NewLauncher()
	_, err := launcher.Launch(context.Background(), ports.LanguageServerSpec{
		ExecPath:   filepath.Join(t.TempDir(), "no-such-server"),
		LanguageID: "rust",
	})
	assert.Error(t, err)
}

func TestLauncher_ServerExitsBeforeInitialize(t *testing.T) {
	t.Setenv(fakeServerEnv, "crash")

	launcher := NewLauncher(WithInitializeTimeout(5*time.Second), WithShutdownTimeout(time.Second))
	start := time.Now()
	_, err := launcher.Launch(context.Background(), ports.LanguageServerSpec{
		ExecPath:   os.Args[0],
		LanguageID: "rust",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize rust language server")
	assert.Less(t, time.Since(start), 5*time.Second)
}
