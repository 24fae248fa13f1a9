package testutil

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Instruction opcodes used by test modules.
const (
	OpUnreachable byte = 0x00
	OpNop         byte = 0x01
	OpLoop        byte = 0x03
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpDrop        byte = 0x1a

	// BlockEmpty is the block type of a block with no results.
	BlockEmpty byte = 0x40
)

// FuncType is a WebAssembly function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is a function import.
type Import struct {
	Module    string
	Name      string
	TypeIndex uint32
}

// Func is a module-defined function. An empty Export leaves it unexported.
type Func struct {
	Export    string
	Body      []byte
	TypeIndex uint32
}

// Segment is an active data segment in memory 0.
type Segment struct {
	Data   []byte
	Offset uint32
}

// Module assembles a minimal WebAssembly binary. Function indices number
// imports first, then Funcs in order.
type Module struct {
	Types       []FuncType
	Imports     []Import
	Funcs       []Func
	Data        []Segment
	MemoryPages uint32
}

// Bytes encodes the module in the binary format.
func (m Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.Types) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(m.Types)))
		for _, ft := range m.Types {
			p = append(p, 0x60)
			p = appendBytes(p, ft.Params)
			p = appendBytes(p, ft.Results)
		}
		out = appendSection(out, 1, p)
	}

	if len(m.Imports) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			p = appendBytes(p, []byte(imp.Module))
			p = appendBytes(p, []byte(imp.Name))
			p = append(p, 0x00)
			p = appendU32(p, imp.TypeIndex)
		}
		out = appendSection(out, 2, p)
	}

	if len(m.Funcs) > 0 {
		var p []byte
		p = appendU32(p, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			p = appendU32(p, f.TypeIndex)
		}
		out = appendSection(out, 3, p)
	}

	if m.MemoryPages > 0 {
		p := []byte{0x01, 0x00}
		p = appendU32(p, m.MemoryPages)
		out = appendSection(out, 5, p)
	}

	var exports [][]byte
	if m.MemoryPages > 0 {
		e := appendBytes(nil, []byte("memory"))
		exports = append(exports, append(e, 0x02, 0x00))
	}
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		e := appendBytes(nil, []byte(f.Export))
		e = append(e, 0x00)
		exports = append(exports, appendU32(e, uint32(len(m.Imports)+i)))
	}
	if len(exports) > 0 {
		p := appendU32(nil, uint32(len(exports)))
		for _, e := range exports {
			p = append(p, e...)
		}
		out = appendSection(out, 7, p)
	}

	if len(m.Funcs) > 0 {
		p := appendU32(nil, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := append([]byte{0x00}, f.Body...)
			body = append(body, 0x0b)
			p = appendBytes(p, body)
		}
		out = appendSection(out, 10, p)
	}

	if len(m.Data) > 0 {
		p := appendU32(nil, uint32(len(m.Data)))
		for _, seg := range m.Data {
			p = append(p, 0x00)
			p = append(p, I32Const(int32(seg.Offset))...)
			p = append(p, 0x0b)
			p = appendBytes(p, seg.Data)
		}
		out = appendSection(out, 11, p)
	}

	return out
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return appendS32([]byte{0x41}, v)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return appendU32([]byte{0x10}, idx)
}

// Concat joins instruction sequences.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// LifecycleModule exports initialize and stop, both empty.
func LifecycleModule() []byte {
	return Module{
		Types: []FuncType{{}},
		Funcs: []Func{
			{Export: "initialize"},
			{Export: "stop"},
		},
	}.Bytes()
}

// InitializeOnlyModule exports initialize but no stop.
func InitializeOnlyModule() []byte {
	return Module{
		Types: []FuncType{{}},
		Funcs: []Func{{Export: "initialize"}},
	}.Bytes()
}

// TrappingModule traps with unreachable in initialize.
func TrappingModule() []byte {
	return Module{
		Types: []FuncType{{}},
		Funcs: []Func{
			{Export: "initialize", Body: []byte{OpUnreachable}},
			{Export: "stop"},
		},
	}.Bytes()
}

// SpinningStopModule has an empty initialize and a stop export that never
// returns.
func SpinningStopModule() []byte {
	return Module{
		Types: []FuncType{{}},
		Funcs: []Func{
			{Export: "initialize"},
			{Export: "stop", Body: []byte{OpLoop, BlockEmpty, OpBr, 0x00, OpEnd}},
		},
	}.Bytes()
}

// NotifyingModule writes message to stdout through WASI fd_write and then
// calls host.host_handle_notification from its initialize export.
func NotifyingModule(message string) []byte {
	const (
		iovecAt    = 0
		nwrittenAt = 8
		messageAt  = 16
	)
	iovec := make([]byte, 8)
	putU32LE(iovec[0:], messageAt)
	putU32LE(iovec[4:], uint32(len(message)))

	return Module{
		Types: []FuncType{
			{},
			{Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
		},
		Imports: []Import{
			{Module: "wasi_snapshot_preview1", Name: "fd_write", TypeIndex: 1},
			{Module: "host", Name: "host_handle_notification", TypeIndex: 0},
		},
		Funcs: []Func{
			{
				Export: "initialize",
				Body: Concat(
					I32Const(1),
					I32Const(iovecAt),
					I32Const(1),
					I32Const(nwrittenAt),
					Call(0),
					[]byte{OpDrop},
					Call(1),
				),
			},
			{Export: "stop"},
		},
		MemoryPages: 1,
		Data: []Segment{
			{Offset: iovecAt, Data: iovec},
			{Offset: messageAt, Data: []byte(message)},
		},
	}.Bytes()
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	return appendBytes(out, payload)
}

func appendBytes(out, b []byte) []byte {
	out = appendU32(out, uint32(len(b)))
	return append(out, b...)
}

func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func appendS32(out []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
