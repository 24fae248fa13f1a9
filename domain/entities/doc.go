// Package entities provides the core domain types of the plugin host:
// descriptors, sandbox states, guest notifications and the RPC shapes
// shared by the broker, the language server client and the core transport.
package entities
