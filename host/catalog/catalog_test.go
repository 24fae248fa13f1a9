package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host"
	"github.com/wasmproxy/wasmproxy/host/broker"
	"github.com/wasmproxy/wasmproxy/hostfuncs"
	"github.com/wasmproxy/wasmproxy/infrastructure/parser"
	"github.com/wasmproxy/wasmproxy/infrastructure/store"
	"github.com/wasmproxy/wasmproxy/internal/testutil"
)

const waitFor = 5 * time.Second

// CatalogSuite drives a real catalog with real sandboxes; the registry,
// language servers and editor core are fakes.
type CatalogSuite struct {
	suite.Suite
	ctx       context.Context
	root      string
	workspace string
	registry  *fakeRegistry
	launcher  *fakeLauncher
	core      *fakeCore
	catalog   *Catalog
}

func TestCatalogSuite(t *testing.T) {
	suite.Run(t, new(CatalogSuite))
}

func (s *CatalogSuite) SetupTest() {
	s.ctx = context.Background()
	root, err := filepath.EvalSymlinks(s.T().TempDir())
	s.Require().NoError(err)
	s.root = root
	s.workspace = s.T().TempDir()
	s.registry = &fakeRegistry{files: map[string][]byte{}}
	s.launcher = &fakeLauncher{}
	s.core = &fakeCore{}
	s.catalog = s.newCatalog()
}

// newCatalog starts a catalog over s.root and shuts it down at cleanup.
func (s *CatalogSuite) newCatalog(opts ...Option) *Catalog {
	c, err := New(s.root, append([]Option{
		WithRegistry(s.registry),
		WithLauncher(s.launcher),
		WithCoreClient(s.core),
		WithWorkspace(s.workspace),
		WithStopTimeout(2*time.Second),
		WithExecutorOptions(host.WithPlatform("linux", "x86_64")),
		WithLockOptions(hostfuncs.WithLockAttempts(2), hostfuncs.WithLockWait(20*time.Millisecond)),
	}, opts...)...)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	s.T().Cleanup(func() {
		_ = c.Shutdown(context.Background())
		select {
		case <-done:
		case <-time.After(waitFor):
			s.T().Error("catalog did not stop")
		}
		cancel()
	})
	return c
}

func (s *CatalogSuite) writePlugin(name string, wasm []byte, cfg any) string {
	desc := &entities.PluginDescriptor{
		Name:          name,
		Version:       "1.0.0",
		Repository:    "acme/" + name,
		Wasm:          name + ".wasm",
		Configuration: cfg,
	}
	data, err := parser.NewYamlDescriptorCodec().Marshal(desc)
	s.Require().NoError(err)

	dir := filepath.Join(s.root, "plugins", name)
	testutil.WriteFile(s.T(), dir, entities.DescriptorFileName, data)
	testutil.WriteFile(s.T(), dir, name+".wasm", wasm)
	return dir
}

func (s *CatalogSuite) status(c *Catalog, name string) (entities.PluginStatus, bool) {
	st, ok, err := lookup(c, name)
	s.Require().NoError(err)
	return st, ok
}

// lookup is safe to call from Eventually conditions.
func lookup(c *Catalog, name string) (entities.PluginStatus, bool, error) {
	list, err := c.List(context.Background())
	if err != nil {
		return entities.PluginStatus{}, false, err
	}
	for _, st := range list {
		if st.Name == name {
			return st, true, nil
		}
	}
	return entities.PluginStatus{}, false, nil
}

func (s *CatalogSuite) waitState(c *Catalog, name string, want entities.SandboxState) {
	s.Require().Eventually(func() bool {
		st, ok, err := lookup(c, name)
		return err == nil && ok && st.State == want.String()
	}, waitFor, 10*time.Millisecond, "%s never reached %s", name, want)
}

func (s *CatalogSuite) startAll(c *Catalog) {
	s.Require().NoError(c.Reload(s.ctx))
	s.Require().NoError(c.StartAll(s.ctx))
}

func (s *CatalogSuite) TestStartAllSkipsDisabled() {
	s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.writePlugin("go", testutil.LifecycleModule(), nil)
	s.Require().NoError(store.NewFileStore(s.root).Save([]string{"go"}))

	s.startAll(s.catalog)
	s.waitState(s.catalog, "rust", entities.StateRunning)

	goStatus, ok := s.status(s.catalog, "go")
	s.Require().True(ok)
	s.True(goStatus.Disabled)
	s.Equal(entities.StateStopped.String(), goStatus.State)
	s.Zero(goStatus.ID)
}

func (s *CatalogSuite) TestTrapDoesNotAffectOthers() {
	s.writePlugin("broken", testutil.TrappingModule(), nil)
	s.writePlugin("fine", testutil.LifecycleModule(), nil)

	s.startAll(s.catalog)
	s.waitState(s.catalog, "fine", entities.StateRunning)
	s.waitState(s.catalog, "broken", entities.StateStopped)
}

func (s *CatalogSuite) TestDisableSurvivesReload() {
	s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.startAll(s.catalog)
	s.waitState(s.catalog, "rust", entities.StateRunning)

	s.Require().NoError(s.catalog.Disable(s.ctx, "rust"))
	s.waitState(s.catalog, "rust", entities.StateStopped)

	names, err := store.NewFileStore(s.root).Load()
	s.Require().NoError(err)
	s.Equal([]string{"rust"}, names)

	// A fresh catalog over the same root keeps the plugin disabled.
	s.Require().NoError(s.catalog.Shutdown(s.ctx))
	next := s.newCatalog()
	s.startAll(next)

	st, ok := s.status(next, "rust")
	s.Require().True(ok)
	s.True(st.Disabled)
	s.Equal(entities.StateStopped.String(), st.State)
}

func (s *CatalogSuite) TestEnable() {
	s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.Require().NoError(store.NewFileStore(s.root).Save([]string{"rust"}))
	s.startAll(s.catalog)

	s.Require().NoError(s.catalog.Enable(s.ctx, "rust"))
	s.waitState(s.catalog, "rust", entities.StateRunning)

	names, err := store.NewFileStore(s.root).Load()
	s.Require().NoError(err)
	s.Empty(names)

	s.ErrorIs(s.catalog.Enable(s.ctx, "missing"), errors.ErrPluginNotFound)
	s.ErrorIs(s.catalog.Disable(s.ctx, "missing"), errors.ErrPluginNotFound)
}

func (s *CatalogSuite) TestEnableRightAfterDisableRestarts() {
	s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.startAll(s.catalog)
	s.waitState(s.catalog, "rust", entities.StateRunning)
	first, _ := s.status(s.catalog, "rust")

	s.Require().NoError(s.catalog.Disable(s.ctx, "rust"))
	s.Require().NoError(s.catalog.Enable(s.ctx, "rust"))

	s.Require().Eventually(func() bool {
		st, ok, err := lookup(s.catalog, "rust")
		return err == nil && ok && st.ID != first.ID && st.State == entities.StateRunning.String()
	}, waitFor, 10*time.Millisecond, "rust was not restarted")
	s.Never(func() bool {
		st, ok, err := lookup(s.catalog, "rust")
		return err == nil && ok && st.State != entities.StateRunning.String()
	}, 200*time.Millisecond, 20*time.Millisecond)

	st, _ := s.status(s.catalog, "rust")
	s.False(st.Disabled)
}

func (s *CatalogSuite) TestDisableCancelsPendingRestart() {
	s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.startAll(s.catalog)
	s.waitState(s.catalog, "rust", entities.StateRunning)

	s.Require().NoError(s.catalog.Disable(s.ctx, "rust"))
	s.Require().NoError(s.catalog.Enable(s.ctx, "rust"))
	s.Require().NoError(s.catalog.Disable(s.ctx, "rust"))

	s.waitState(s.catalog, "rust", entities.StateStopped)
	s.Never(func() bool {
		st, ok, err := lookup(s.catalog, "rust")
		return err == nil && ok && st.State != entities.StateStopped.String()
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func (s *CatalogSuite) TestAutostartOffOnlyPersists() {
	s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.Require().NoError(store.NewFileStore(s.root).Save([]string{"rust"}))
	c := s.newCatalog(WithAutostart(false))

	s.startAll(c)
	s.Require().NoError(c.Enable(s.ctx, "rust"))

	st, ok := s.status(c, "rust")
	s.Require().True(ok)
	s.False(st.Disabled)
	s.Equal(entities.StateStopped.String(), st.State)
	s.Zero(st.ID)

	names, err := store.NewFileStore(s.root).Load()
	s.Require().NoError(err)
	s.Empty(names)
}

func (s *CatalogSuite) TestRemove() {
	dir := s.writePlugin("rust", testutil.LifecycleModule(), nil)
	s.startAll(s.catalog)
	s.waitState(s.catalog, "rust", entities.StateRunning)

	s.Require().NoError(s.catalog.Remove(s.ctx, "rust"))

	_, err := os.Stat(dir)
	s.True(os.IsNotExist(err))
	_, ok := s.status(s.catalog, "rust")
	s.False(ok)
	s.ErrorIs(s.catalog.Remove(s.ctx, "rust"), errors.ErrPluginNotFound)
}

func (s *CatalogSuite) TestInstallRoundTrip() {
	s.registry.files["acme/rust/bin/rust.wasm"] = testutil.LifecycleModule()
	s.registry.files["acme/rust/themes/dark.toml"] = []byte("[theme]\n")

	desc := &entities.PluginDescriptor{
		Name:          "rust",
		Version:       "0.3.0",
		Repository:    "acme/rust",
		Wasm:          "bin/rust.wasm",
		Themes:        []string{"themes/dark.toml"},
		Configuration: map[string]any{"language_id": "rust", "options": map[string]any{"check": true}},
	}
	s.Require().NoError(s.catalog.Install(s.ctx, desc))
	s.waitState(s.catalog, "rust", entities.StateRunning)

	dir := filepath.Join(s.root, "plugins", "rust")
	want := desc.Clone()
	s.Require().NoError(host.ResolvePaths(want, dir))

	// Discovery reads back exactly what install wrote.
	loaded, err := host.NewLoader().LoadDescriptor(filepath.Join(dir, entities.DescriptorFileName))
	s.Require().NoError(err)
	if diff := cmp.Diff(want, loaded); diff != "" {
		s.Failf("descriptor mismatch", "(-want +got):\n%s", diff)
	}
}

func (s *CatalogSuite) TestInstallFetchFailure() {
	err := s.catalog.Install(s.ctx, &entities.PluginDescriptor{
		Name:       "ghost",
		Version:    "1.0.0",
		Repository: "acme/ghost",
		Wasm:       "ghost.wasm",
	})
	s.Require().Error(err)
	s.Contains(err.Error(), "404")

	_, statErr := os.Stat(filepath.Join(s.root, "plugins", "ghost"))
	s.True(os.IsNotExist(statErr))
}

func (s *CatalogSuite) TestInstallRejectsInvalidDescriptor() {
	err := s.catalog.Install(s.ctx, &entities.PluginDescriptor{Name: "../escape", Version: "1"})
	s.Error(err)
	_, statErr := os.Stat(filepath.Join(s.root, "escape"))
	s.True(os.IsNotExist(statErr))
}

func (s *CatalogSuite) TestStartSystemLanguageServer() {
	msg := `{"method":"start_lsp_server","params":{"exec_path":"/usr/bin/rust-analyzer","language_id":"rust","system_lsp":true,"options":{"check":true}}}`
	s.writePlugin("rust", testutil.NotifyingModule(msg), nil)
	s.startAll(s.catalog)

	s.Require().Eventually(func() bool { return len(s.launcher.launched()) == 1 }, waitFor, 10*time.Millisecond)
	spec := s.launcher.launched()[0].spec
	s.Equal("rust-analyzer", spec.ExecPath)
	s.Equal("rust", spec.LanguageID)
	s.Equal(s.workspace, spec.Workspace)
	s.JSONEq(`{"check":true}`, string(spec.Options))

	st, _ := s.status(s.catalog, "rust")
	s.Equal(st.ID, spec.PluginID)
}

func (s *CatalogSuite) TestSystemLanguageServerWithoutFileNameIsRefused() {
	msg := `{"method":"start_lsp_server","params":{"exec_path":"../..","language_id":"rust","system_lsp":true}}`
	s.writePlugin("rust", testutil.NotifyingModule(msg), nil)
	s.startAll(s.catalog)
	s.waitState(s.catalog, "rust", entities.StateRunning)

	// The notification has been routed once a later command completes.
	_, err := s.catalog.List(s.ctx)
	s.Require().NoError(err)
	s.Never(func() bool { return len(s.launcher.launched()) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func (s *CatalogSuite) TestPluginLanguageServerIsConfined() {
	msg := `{"method":"start_lsp_server","params":{"exec_path":"bin/server","language_id":"toml"}}`
	dir := s.writePlugin("toml", testutil.NotifyingModule(msg), nil)
	s.startAll(s.catalog)

	s.Require().Eventually(func() bool { return len(s.launcher.launched()) == 1 }, waitFor, 10*time.Millisecond)
	s.Equal(filepath.Join(dir, "bin", "server"), s.launcher.launched()[0].spec.ExecPath)
}

func (s *CatalogSuite) attachServer(languageID string) *fakeServer {
	msg := `{"method":"start_lsp_server","params":{"exec_path":"server","language_id":"` + languageID + `","system_lsp":true}}`
	s.writePlugin(languageID, testutil.NotifyingModule(msg), nil)
	s.startAll(s.catalog)

	var server *fakeServer
	s.Require().Eventually(func() bool {
		for _, sv := range s.launcher.launched() {
			if sv.spec.LanguageID == languageID {
				server = sv
			}
		}
		if server == nil {
			return false
		}
		var attached int
		err := s.catalog.do(s.ctx, func(context.Context) error {
			attached = len(s.catalog.servers[languageID])
			return nil
		})
		return err == nil && attached > 0
	}, waitFor, 10*time.Millisecond)
	return server
}

func (s *CatalogSuite) TestServerRequestWithoutServer() {
	replies := make(chan entities.Response, 1)
	s.Require().NoError(s.catalog.Submit(broker.ServerRequest{
		LanguageID: "rust",
		Method:     "textDocument/hover",
		Reply:      func(r entities.Response) { replies <- r },
	}))

	resp := testutil.Receive(s.T(), replies, waitFor)
	s.Require().NotNil(resp.Error)
	s.Equal(entities.CodeServerNotReady, resp.Error.Code)
}

func (s *CatalogSuite) TestServerTraffic() {
	server := s.attachServer("rust")

	replies := make(chan entities.Response, 1)
	s.Require().NoError(s.catalog.Submit(broker.ServerRequest{
		LanguageID: "rust",
		Method:     "textDocument/hover",
		Params:     json.RawMessage(`{"line":1}`),
		Reply:      func(r entities.Response) { replies <- r },
	}))
	resp := testutil.Receive(s.T(), replies, waitFor)
	s.Nil(resp.Error)
	s.JSONEq(`"ok"`, string(resp.Result))

	s.Require().NoError(s.catalog.Submit(broker.DidChangeTextDocument{
		LanguageID: "rust",
		Document:   entities.VersionedTextDocumentIdentifier{URI: "file:///a.rs", Version: 2},
		Changes:    []entities.TextDocumentContentChangeEvent{{Text: "fn main() {}"}},
	}))
	s.Require().NoError(s.catalog.Submit(broker.ServerNotification{
		Method: "workspace/didChangeConfiguration",
		Params: json.RawMessage(`{"settings":{}}`),
	}))

	s.Require().Eventually(func() bool { return len(server.notifications()) == 2 }, waitFor, 10*time.Millisecond)
	notes := server.notifications()
	s.Equal("textDocument/didChange", notes[0].method)
	s.JSONEq(`{"textDocument":{"uri":"file:///a.rs","version":2},"contentChanges":[{"text":"fn main() {}"}]}`, string(notes[0].params))
	s.Equal("workspace/didChangeConfiguration", notes[1].method)
}

func (s *CatalogSuite) attached(languageID string) int {
	var n int
	s.Require().NoError(s.catalog.do(s.ctx, func(context.Context) error {
		n = len(s.catalog.servers[languageID])
		return nil
	}))
	return n
}

func (s *CatalogSuite) hover() entities.Response {
	replies := make(chan entities.Response, 1)
	s.Require().NoError(s.catalog.Submit(broker.ServerRequest{
		LanguageID: "rust",
		Method:     "textDocument/hover",
		Reply:      func(r entities.Response) { replies <- r },
	}))
	return testutil.Receive(s.T(), replies, waitFor)
}

func (s *CatalogSuite) TestExitedServerIsDetached() {
	first := newFakeServer(ports.LanguageServerSpec{LanguageID: "rust", PluginID: 1})
	second := newFakeServer(ports.LanguageServerSpec{LanguageID: "rust", PluginID: 2})
	s.Require().NoError(s.catalog.do(s.ctx, func(ctx context.Context) error {
		s.catalog.attachServer(ctx, first)
		s.catalog.attachServer(ctx, second)
		return nil
	}))

	first.exit()
	s.Require().Eventually(func() bool { return s.attached("rust") == 1 }, waitFor, 10*time.Millisecond)

	resp := s.hover()
	s.Nil(resp.Error)
	s.Zero(first.requestCount())
	s.Equal(1, second.requestCount())

	second.exit()
	s.Require().Eventually(func() bool { return s.attached("rust") == 0 }, waitFor, 10*time.Millisecond)

	resp = s.hover()
	s.Require().NotNil(resp.Error)
	s.Equal(entities.CodeServerNotReady, resp.Error.Code)
}

func (s *CatalogSuite) TestShutdownKillsHungSandbox() {
	s.writePlugin("spin", testutil.SpinningStopModule(), nil)
	c := s.newCatalog(WithStopTimeout(100*time.Millisecond))
	s.startAll(c)
	s.waitState(c, "spin", entities.StateRunning)

	var sb *host.Sandbox
	s.Require().NoError(c.do(s.ctx, func(context.Context) error {
		sb = c.live("spin")
		return nil
	}))
	s.Require().NotNil(sb)

	err := c.Shutdown(s.ctx)
	var timeout *errors.TimeoutError
	s.Require().ErrorAs(err, &timeout)
	s.Equal("spin", timeout.Target)

	testutil.Receive(s.T(), sb.Done(), waitFor)
	s.Equal(entities.StateStopped, sb.State())
}

func (s *CatalogSuite) TestStopLanguageShutsServersDown() {
	server := s.attachServer("rust")

	s.catalog.StopLanguage("rust")
	s.Eventually(server.shutdown.Load, waitFor, 10*time.Millisecond)
}

func (s *CatalogSuite) TestShutdownStopsEverything() {
	server := s.attachServer("rust")

	s.Require().NoError(s.catalog.Shutdown(s.ctx))
	s.True(server.shutdown.Load())

	_, err := s.catalog.List(s.ctx)
	s.ErrorIs(err, errors.ErrBrokerClosed)
}

func (s *CatalogSuite) TestPublishServerNotification() {
	s.catalog.PublishServerNotification("rust", "window/logMessage", json.RawMessage(`{"message":"hi"}`))

	notes := s.core.notifications()
	s.Require().Len(notes, 1)
	s.Equal(MethodServerNotification, notes[0].method)
	s.JSONEq(`{"language_id":"rust","method":"window/logMessage","params":{"message":"hi"}}`, string(notes[0].params))
}

func (s *CatalogSuite) TestMakeFileExecutableNotification() {
	msg := `{"method":"make_file_executable","params":{"path":"/bin/tool"}}`
	dir := s.writePlugin("tool", testutil.NotifyingModule(msg), nil)
	tool := testutil.WriteFile(s.T(), dir, "bin/tool", []byte("#!/bin/sh\n"))
	s.Require().NoError(os.Chmod(tool, 0o644))

	s.startAll(s.catalog)
	s.Eventually(func() bool {
		info, err := os.Stat(tool)
		return err == nil && info.Mode().Perm()&0o111 == 0o111
	}, waitFor, 10*time.Millisecond)
}

func (s *CatalogSuite) TestLockFileNotification() {
	msg := `{"method":"lock_file","params":{"path":"download.lock"}}`
	dir := s.writePlugin("locker", testutil.NotifyingModule(msg), nil)

	s.startAll(s.catalog)
	s.Eventually(func() bool {
		_, err := os.Stat(filepath.Join(dir, "download.lock"))
		return err == nil
	}, waitFor, 10*time.Millisecond)
}

func (s *CatalogSuite) TestNewRequiresRoot() {
	_, err := New("")
	s.Error(err)
}
