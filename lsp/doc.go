// Package lsp attaches language server processes to the host.
//
// A Launcher spawns the server, a Client speaks JSON-RPC 2.0 to it over
// Content-Length framed stdio, and responses are correlated with their
// requests through a broker.Broker.
package lsp
