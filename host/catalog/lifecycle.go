package catalog

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/wasmproxy/wasmproxy/application/validation"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host"
	"github.com/wasmproxy/wasmproxy/hostfuncs"
)

// Reload replaces the known descriptors and the disabled set with what is
// on disk. Live sandboxes keep running.
func (c *Catalog) Reload(ctx context.Context) error {
	return c.do(ctx, c.reload)
}

func (c *Catalog) reload(ctx context.Context) error {
	names, err := c.config.store.Load()
	if err != nil {
		return err
	}
	descs, err := c.config.loader.Discover(ctx, c.pluginsDir)
	if err != nil {
		return err
	}

	clear(c.descriptors)
	clear(c.disabled)
	for _, name := range names {
		c.disabled[name] = struct{}{}
	}
	for _, desc := range descs {
		c.descriptors[desc.Name] = desc
	}
	c.logger.InfoContext(ctx, "plugins discovered", "count", len(descs), "disabled", len(names))
	return nil
}

// StartAll starts every known plugin that is neither disabled nor already
// running. A plugin that fails to start is reported and the rest still
// start.
func (c *Catalog) StartAll(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		var errs []error
		for _, name := range slices.Sorted(maps.Keys(c.descriptors)) {
			if _, off := c.disabled[name]; off {
				continue
			}
			if err := c.start(ctx, c.descriptors[name]); err != nil {
				c.logger.ErrorContext(ctx, "plugin failed to start", "plugin", name, "error", err)
				errs = append(errs, err)
			}
		}
		return stdErrors.Join(errs...)
	})
}

// Enable removes name from the disabled list and starts it. A sandbox that
// is still stopping from an earlier Disable is replaced once it has exited.
func (c *Catalog) Enable(ctx context.Context, name string) error {
	return c.do(ctx, func(ctx context.Context) error {
		desc, ok := c.descriptors[name]
		if !ok {
			return fmt.Errorf("enable %s: %w", name, errors.ErrPluginNotFound)
		}
		if _, off := c.disabled[name]; off {
			delete(c.disabled, name)
			if err := c.saveDisabled(); err != nil {
				c.disabled[name] = struct{}{}
				return err
			}
		}
		return c.start(ctx, desc)
	})
}

// Disable adds name to the disabled list and asks its sandbox to stop. It
// does not wait for the sandbox to reach Stopped.
func (c *Catalog) Disable(ctx context.Context, name string) error {
	return c.do(ctx, func(ctx context.Context) error {
		_, err := c.disable(ctx, name)
		return err
	})
}

// disable returns the sandbox that was told to stop, if any.
func (c *Catalog) disable(ctx context.Context, name string) (*host.Sandbox, error) {
	if _, ok := c.descriptors[name]; !ok {
		return nil, fmt.Errorf("disable %s: %w", name, errors.ErrPluginNotFound)
	}
	if _, off := c.disabled[name]; !off {
		c.disabled[name] = struct{}{}
		if err := c.saveDisabled(); err != nil {
			delete(c.disabled, name)
			return nil, err
		}
	}
	delete(c.restart, name)
	return c.stopByName(ctx, name), nil
}

// Remove disables name, waits for its sandbox to stop and deletes its
// installation directory.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	var (
		sb  *host.Sandbox
		dir string
	)
	err := c.do(ctx, func(ctx context.Context) error {
		desc, ok := c.descriptors[name]
		if !ok {
			return fmt.Errorf("remove %s: %w", name, errors.ErrPluginNotFound)
		}
		dir = c.installDir(desc)
		var err error
		sb, err = c.disable(ctx, name)
		return err
	})
	if err != nil {
		return err
	}

	if err := c.waitStopped(ctx, sb); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return &errors.PersistenceError{Op: "remove", Path: dir, Err: err}
	}

	return c.do(ctx, func(ctx context.Context) error {
		delete(c.descriptors, name)
		delete(c.disabled, name)
		c.logger.InfoContext(ctx, "plugin removed", "plugin", name)
		return c.saveDisabled()
	})
}

// Install writes desc into <plugins>/<name>, fetches its artifact and
// themes from the registry and starts it. An existing installation of the
// same name is stopped and replaced.
func (c *Catalog) Install(ctx context.Context, desc *entities.PluginDescriptor) error {
	if err := validation.Err(validation.ValidateDescriptor(desc)); err != nil {
		return err
	}
	desc = desc.Clone()
	desc.Dir = ""
	name := desc.Name
	dir := filepath.Join(c.pluginsDir, name)

	var running *host.Sandbox
	if err := c.do(ctx, func(ctx context.Context) error {
		running = c.stopByName(ctx, name)
		return nil
	}); err != nil {
		return err
	}
	if err := c.waitStopped(ctx, running); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return &errors.PersistenceError{Op: "remove", Path: dir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errors.PersistenceError{Op: "create", Path: dir, Err: err}
	}
	if err := c.writeInstallation(ctx, dir, desc); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}

	if err := host.ResolvePaths(desc, dir); err != nil {
		return &errors.DescriptorError{Path: filepath.Join(dir, entities.DescriptorFileName), Err: err}
	}

	return c.do(ctx, func(ctx context.Context) error {
		c.descriptors[name] = desc
		if _, off := c.disabled[name]; off {
			delete(c.disabled, name)
			if err := c.saveDisabled(); err != nil {
				return err
			}
		}
		c.logger.InfoContext(ctx, "plugin installed", "plugin", name, "version", desc.Version)
		return c.start(ctx, desc)
	})
}

func (c *Catalog) writeInstallation(ctx context.Context, dir string, desc *entities.PluginDescriptor) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return &errors.PersistenceError{Op: "open", Path: dir, Err: err}
	}
	defer root.Close()

	data, err := c.config.loader.Codec().Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := root.WriteFile(entities.DescriptorFileName, data, 0o644); err != nil {
		return &errors.PersistenceError{Op: "write", Path: filepath.Join(dir, entities.DescriptorFileName), Err: err}
	}

	files := slices.Clone(desc.Themes)
	if desc.Wasm != "" {
		files = append([]string{desc.Wasm}, files...)
	}
	for _, file := range files {
		err := hostfuncs.WriteFile(root, file, func(w io.Writer) error {
			return c.config.registry.Fetch(ctx, desc.Repository, file, w)
		})
		if err != nil {
			return fmt.Errorf("install %s: %w", desc.Name, err)
		}
	}
	return nil
}

// List returns a snapshot of every known plugin, sorted by name.
func (c *Catalog) List(ctx context.Context) ([]entities.PluginStatus, error) {
	var out []entities.PluginStatus
	err := c.do(ctx, func(context.Context) error {
		out = make([]entities.PluginStatus, 0, len(c.descriptors))
		for _, name := range slices.Sorted(maps.Keys(c.descriptors)) {
			desc := c.descriptors[name]
			_, off := c.disabled[name]
			status := entities.PluginStatus{
				Name:     name,
				Version:  desc.Version,
				State:    entities.StateStopped.String(),
				Disabled: off,
			}
			if sb := c.live(name); sb != nil {
				status.ID = sb.ID()
				status.State = sb.State().String()
			}
			out = append(out, status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Shutdown stops every sandbox and language server and then ends Run.
func (c *Catalog) Shutdown(ctx context.Context) error {
	var (
		stopping []*host.Sandbox
		servers  []ports.LanguageServer
	)
	err := c.do(ctx, func(ctx context.Context) error {
		for _, name := range slices.Sorted(maps.Keys(c.byName)) {
			if sb := c.stopByName(ctx, name); sb != nil {
				stopping = append(stopping, sb)
			}
		}
		for lang, list := range c.servers {
			servers = append(servers, list...)
			delete(c.servers, lang)
		}
		clear(c.restart)
		return nil
	})
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	for _, sb := range stopping {
		wg.Go(func() {
			err := c.waitStopped(ctx, sb)
			if err != nil {
				c.logger.WarnContext(ctx, "plugin did not stop in time", "plugin", sb.Descriptor().Name, "error", err)
				if killErr := sb.Kill(context.WithoutCancel(ctx)); killErr != nil {
					err = stdErrors.Join(err, killErr)
				}
			}
			record(err)
		})
	}
	for _, server := range servers {
		wg.Go(func() { record(server.Shutdown(ctx)) })
	}
	wg.Wait()

	c.loop.Close()
	record(c.executor.Close(context.WithoutCancel(ctx)))
	return stdErrors.Join(errs...)
}

// start instantiates desc unless it is already live. A live sandbox that
// was told to stop is restarted when it exits. Mainloop only.
func (c *Catalog) start(ctx context.Context, desc *entities.PluginDescriptor) error {
	// Themes-only plugins have nothing to run.
	if !c.config.autostart || desc.Wasm == "" {
		return nil
	}
	if sb := c.live(desc.Name); sb != nil {
		if c.isStopping(sb) {
			c.restart[desc.Name] = struct{}{}
		}
		return nil
	}

	sb, err := c.executor.Start(ctx, desc)
	if err != nil {
		return err
	}
	c.sandboxes[sb.ID()] = sb
	c.byName[desc.Name] = sb.ID()

	if err := sb.Send(ctx, entities.ControlInitialize); err != nil {
		return err
	}
	go func() {
		<-sb.Done()
		_ = c.loop.Post(sandboxExitedEvent{id: sb.ID()})
	}()
	return nil
}

// live returns the sandbox currently running name, if any.
func (c *Catalog) live(name string) *host.Sandbox {
	id, ok := c.byName[name]
	if !ok {
		return nil
	}
	sb := c.sandboxes[id]
	if sb == nil || sb.State() == entities.StateStopped {
		return nil
	}
	return sb
}

// stopByName sends Stop to name's sandbox without waiting for it.
func (c *Catalog) stopByName(ctx context.Context, name string) *host.Sandbox {
	sb := c.live(name)
	if sb == nil {
		return nil
	}
	c.stopping[sb.ID()] = struct{}{}
	go func() {
		if err := sb.Send(ctx, entities.ControlStop); err != nil && !stdErrors.Is(err, errors.ErrSandboxStopped) {
			c.logger.WarnContext(ctx, "sending stop failed", "plugin", name, "error", err)
		}
	}()
	return sb
}

func (c *Catalog) isStopping(sb *host.Sandbox) bool {
	_, ok := c.stopping[sb.ID()]
	return ok || sb.State() == entities.StateStopping
}

// sandboxExited drops an exited sandbox and starts its plugin again if it
// was enabled while the sandbox was stopping.
func (c *Catalog) sandboxExited(ctx context.Context, id entities.PluginID) {
	sb, ok := c.sandboxes[id]
	if !ok {
		return
	}
	c.forgetSandbox(id)

	name := sb.Descriptor().Name
	if _, again := c.restart[name]; !again {
		return
	}
	delete(c.restart, name)
	desc, known := c.descriptors[name]
	if _, off := c.disabled[name]; off || !known {
		return
	}
	if err := c.start(ctx, desc); err != nil {
		c.logger.ErrorContext(ctx, "plugin failed to restart", "plugin", name, "error", err)
	}
}

func (c *Catalog) forgetSandbox(id entities.PluginID) {
	sb, ok := c.sandboxes[id]
	if !ok {
		return
	}
	delete(c.sandboxes, id)
	delete(c.stopping, id)
	if name := sb.Descriptor().Name; c.byName[name] == id {
		delete(c.byName, name)
	}
}

// waitStopped waits, bounded by the stop timeout, for sb to reach Stopped.
func (c *Catalog) waitStopped(ctx context.Context, sb *host.Sandbox) error {
	if sb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.stopTimeout)
	defer cancel()
	if err := sb.Wait(ctx); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return &errors.TimeoutError{Operation: "stop", Target: sb.Descriptor().Name, Duration: c.config.stopTimeout}
		}
		return err
	}
	return nil
}

func (c *Catalog) saveDisabled() error {
	names := slices.Sorted(maps.Keys(c.disabled))
	if err := c.config.store.Save(names); err != nil {
		return &errors.PersistenceError{Op: "write", Path: c.config.store.ConfigPath(), Err: err}
	}
	return nil
}

func (c *Catalog) installDir(desc *entities.PluginDescriptor) string {
	if desc.Dir != "" {
		return desc.Dir
	}
	return filepath.Join(c.pluginsDir, desc.Name)
}
