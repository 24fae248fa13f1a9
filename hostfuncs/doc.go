// Package hostfuncs implements the side effects guests may ask the host for:
// resolving a language server executable, downloading a file, waiting on a
// lock file and marking a file executable. Filesystem effects are confined
// to the requesting plugin's directory through an *os.Root.
//
// Nothing here depends on the WASM runtime; callers decode guest
// notifications and pass plain values in.
package hostfuncs
