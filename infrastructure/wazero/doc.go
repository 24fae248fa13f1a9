// Package wazero binds the host import surface into wazero runtimes.
//
// Every sandbox links exactly one host function, host.host_handle_notification,
// taking no arguments and returning nothing. A guest writes one JSON value to
// its stdout (the output pipe) and calls the function; the host drains the pipe,
// decodes a tagged notification and forwards it with the caller's PluginID.
// Undecodable messages are dropped.
//
// # Basic Usage
//
//	runtime := wazero.NewRuntime(ctx)
//	err := wazero.RegisterHostImport(ctx, runtime, id, output, sink,
//	    wazero.WithModuleName("host"),
//	)
//
// New message kinds need only a new notification tag, not a new host function.
package wazero
