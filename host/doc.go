// Package host provides the runtime environment for sandboxed WASM plugins.
//
// The Loader discovers plugin descriptors on disk. The Executor compiles a
// descriptor's artifact with wazero, mounts the plugin's own directory as the
// guest's filesystem root, wires in-memory stdin/stdout pipes and the host
// import, and returns a Sandbox driven by one dedicated worker goroutine.
// All calls into a sandbox's exports happen on that goroutine.
package host
