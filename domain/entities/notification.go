package entities

import (
	"encoding/json"
	"fmt"
)

// Notification is a message a guest sends to the host through its output pipe.
// The set of implementations is closed: StartLspServer, DownloadFile, LockFile
// and MakeFileExecutable.
type Notification interface {
	Method() string
	isNotification()
}

// Guest notification method names as they appear on the wire.
const (
	MethodStartLspServer     = "start_lsp_server"
	MethodDownloadFile       = "download_file"
	MethodLockFile           = "lock_file"
	MethodMakeFileExecutable = "make_file_executable"
)

// StartLspServer asks the host to spawn a language server and attach it.
// Workspace and PluginID are filled in by the host, never trusted from the guest.
type StartLspServer struct {
	Options    json.RawMessage `json:"options,omitempty"`
	SystemLsp  *bool           `json:"system_lsp,omitempty"`
	Workspace  string          `json:"-"`
	ExecPath   string          `json:"exec_path"`
	LanguageID string          `json:"language_id"`
	PluginID   PluginID        `json:"-"`
}

// IsSystem reports whether ExecPath names a binary on the system search path.
func (n *StartLspServer) IsSystem() bool {
	return n.SystemLsp != nil && *n.SystemLsp
}

// DownloadFile asks the host to fetch URL into Path under the plugin directory.
type DownloadFile struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// LockFile asks the host to create Path exclusively under the plugin directory.
type LockFile struct {
	Path string `json:"path"`
}

// MakeFileExecutable asks the host to set the executable bits on Path.
type MakeFileExecutable struct {
	Path string `json:"path"`
}

func (*StartLspServer) Method() string     { return MethodStartLspServer }
func (*DownloadFile) Method() string       { return MethodDownloadFile }
func (*LockFile) Method() string           { return MethodLockFile }
func (*MakeFileExecutable) Method() string { return MethodMakeFileExecutable }

func (*StartLspServer) isNotification()     {}
func (*DownloadFile) isNotification()       {}
func (*LockFile) isNotification()           {}
func (*MakeFileExecutable) isNotification() {}

type taggedNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// DecodeNotification decodes one {"method": ..., "params": ...} value.
func DecodeNotification(data []byte) (Notification, error) {
	var tagged taggedNotification
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}

	var n Notification
	switch tagged.Method {
	case MethodStartLspServer:
		n = &StartLspServer{}
	case MethodDownloadFile:
		n = &DownloadFile{}
	case MethodLockFile:
		n = &LockFile{}
	case MethodMakeFileExecutable:
		n = &MakeFileExecutable{}
	default:
		return nil, fmt.Errorf("unknown notification method %q", tagged.Method)
	}

	if len(tagged.Params) == 0 {
		return nil, fmt.Errorf("notification %q has no params", tagged.Method)
	}
	if err := json.Unmarshal(tagged.Params, n); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", tagged.Method, err)
	}
	return n, nil
}

// EncodeNotification is the inverse of DecodeNotification.
func EncodeNotification(n Notification) ([]byte, error) {
	params, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedNotification{Method: n.Method(), Params: params})
}

// ControlMessage is sent from the catalog to a sandbox worker.
type ControlMessage int

const (
	// ControlInitialize writes PluginInfo to the guest and calls its initialize export.
	ControlInitialize ControlMessage = iota + 1
	// ControlStop calls the guest's stop export and ends the worker.
	ControlStop
)

func (m ControlMessage) String() string {
	switch m {
	case ControlInitialize:
		return "initialize"
	case ControlStop:
		return "stop"
	default:
		return fmt.Sprintf("control(%d)", int(m))
	}
}
