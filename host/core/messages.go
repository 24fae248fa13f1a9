package core

import (
	"encoding/json"

	"github.com/wasmproxy/wasmproxy/domain/entities"
)

// Inbound methods the editor core may send.
const (
	MethodServerRequest         = "server_request"
	MethodServerNotification    = "server_notification"
	MethodDidChangeTextDocument = "did_change_text_document"
	MethodInstallPlugin         = "install_plugin"
	MethodRemovePlugin          = "remove_plugin"
	MethodEnablePlugin          = "enable_plugin"
	MethodDisablePlugin         = "disable_plugin"
	MethodListPlugins           = "list_plugins"
	MethodShutdown              = "shutdown"
)

// message is one line on the wire in either direction. Requests carry
// Method and ID, notifications Method only, responses ID and Result or
// Error.
type message struct {
	Error  *entities.RPCError `json:"error,omitempty"`
	ID     json.RawMessage    `json:"id,omitempty"`
	Method string             `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
}

func (m *message) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

type serverRequestParams struct {
	LanguageID string          `json:"language_id" validate:"required"`
	Method     string          `json:"method" validate:"required"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type serverNotificationParams struct {
	LanguageID string          `json:"language_id,omitempty"`
	Method     string          `json:"method" validate:"required"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type didChangeParams struct {
	LanguageID string                                    `json:"language_id" validate:"required"`
	Document   entities.VersionedTextDocumentIdentifier  `json:"document"`
	Changes    []entities.TextDocumentContentChangeEvent `json:"changes"`
}

type nameParams struct {
	Name string `json:"name" validate:"required,plugin_name"`
}
