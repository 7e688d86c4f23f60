package wasmobj

import (
	"bytes"
	"fmt"

	"github.com/wasmgrind/wasmgrind/internal/leb128"
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d}
var version = []byte{0x01, 0x00, 0x00, 0x00}

const (
	secCustom   = 0
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
	secDataCnt  = 12
)

// Decode parses a Wasm binary module into the object model. Sections this
// model does not interpret (table, element, data, datacount, custom) are
// preserved verbatim: one seen before the Type section (e.g. a leading
// producer-metadata custom section) is re-emitted by Encode ahead of Type;
// every other one is re-emitted grouped with its section kind at that
// kind's standard position in section order, custom sections last.
func Decode(b []byte) (*Module, error) {
	if len(b) < 8 || !bytes.Equal(b[:4], magic) || !bytes.Equal(b[4:8], version) {
		return nil, fmt.Errorf("wasmobj: not a Wasm binary module (bad magic/version)")
	}
	r := b[8:]
	m := &Module{}

	var funcSectionTypeIdxs []uint32
	sawFunction := false
	sawType := false

	for len(r) > 0 {
		id := r[0]
		r = r[1:]
		size, n, err := leb128.LoadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("wasmobj: section %d size: %w", id, err)
		}
		r = r[n:]
		if uint64(len(r)) < uint64(size) {
			return nil, fmt.Errorf("wasmobj: section %d truncated", id)
		}
		body := r[:size]
		r = r[size:]

		switch id {
		case secType:
			m.Types, err = decodeTypeSection(body)
			sawType = true
		case secImport:
			m.Imports, err = decodeImportSection(body)
		case secFunction:
			funcSectionTypeIdxs, err = decodeFunctionSection(body)
			sawFunction = true
		case secMemory:
			m.Memories, err = decodeMemorySection(body)
		case secGlobal:
			m.Globals, err = decodeGlobalSection(body)
		case secExport:
			m.Exports, err = decodeExportSection(body)
		case secStart:
			var idx uint32
			idx, _, err = leb128.LoadUint32(body)
			m.Start = &idx
		case secCode:
			m.Code, err = decodeCodeSection(body)
		default:
			raw := RawSection{ID: id, Data: append([]byte(nil), body...)}
			if sawType {
				m.postRaw = append(m.postRaw, raw)
			} else {
				m.preRaw = append(m.preRaw, raw)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("wasmobj: decoding section %d: %w", id, err)
		}
	}

	if sawFunction {
		if len(funcSectionTypeIdxs) != len(m.Code) {
			return nil, fmt.Errorf("wasmobj: function section declares %d functions but code section has %d bodies", len(funcSectionTypeIdxs), len(m.Code))
		}
		m.FuncTypeIndices = funcSectionTypeIdxs
	}
	return m, nil
}

func decodeTypeSection(b []byte) ([]FuncType, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) == 0 || b[0] != 0x60 {
			return nil, fmt.Errorf("wasmobj: expected func type tag 0x60")
		}
		b = b[1:]
		var ft FuncType
		ft.Params, b, err = decodeValTypeVec(b)
		if err != nil {
			return nil, err
		}
		ft.Results, b, err = decodeValTypeVec(b)
		if err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, nil
}

func decodeValTypeVec(b []byte) ([]ValType, []byte, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, nil, err
	}
	b = b[n:]
	if uint64(len(b)) < uint64(count) {
		return nil, nil, fmt.Errorf("wasmobj: valtype vector truncated")
	}
	out := append([]ValType(nil), b[:count]...)
	return out, b[count:], nil
}

func decodeName(b []byte) (string, []byte, error) {
	n, k, err := leb128.LoadUint32(b)
	if err != nil {
		return "", nil, err
	}
	b = b[k:]
	if uint64(len(b)) < uint64(n) {
		return "", nil, fmt.Errorf("wasmobj: name truncated")
	}
	return string(b[:n]), b[n:], nil
}

func decodeLimits(b []byte) (min, max uint32, hasMax bool, shared bool, rest []byte, err error) {
	if len(b) == 0 {
		return 0, 0, false, false, nil, fmt.Errorf("wasmobj: limits truncated")
	}
	flags := b[0]
	b = b[1:]
	min, n, err := leb128.LoadUint32(b)
	if err != nil {
		return
	}
	b = b[n:]
	hasMax = flags&0x01 != 0
	shared = flags&0x02 != 0
	if hasMax {
		max, n, err = leb128.LoadUint32(b)
		if err != nil {
			return
		}
		b = b[n:]
	}
	return min, max, hasMax, shared, b, nil
}

func decodeImportSection(b []byte) ([]Import, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		var imp Import
		imp.Module, b, err = decodeName(b)
		if err != nil {
			return nil, err
		}
		imp.Name, b, err = decodeName(b)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("wasmobj: import kind truncated")
		}
		imp.Kind = ExternKind(b[0])
		b = b[1:]
		switch imp.Kind {
		case ExternKindFunc:
			imp.FuncTypeIdx, n, err = leb128.LoadUint32(b)
			b = b[n:]
		case ExternKindTable:
			if len(b) == 0 {
				return nil, fmt.Errorf("wasmobj: table import truncated")
			}
			_, _, _, _, afterLimits, e := decodeLimits(b[1:])
			if e != nil {
				return nil, e
			}
			tableTypeLen := len(b) - len(afterLimits)
			imp.RawTableType = append([]byte(nil), b[:tableTypeLen]...)
			b = afterLimits
		case ExternKindMemory:
			var min, max uint32
			var hasMax, shared bool
			min, max, hasMax, shared, b, err = decodeLimits(b)
			imp.Memory = MemoryType{Min: min, Max: max, HasMax: hasMax, Shared: shared}
		case ExternKindGlobal:
			if len(b) < 2 {
				return nil, fmt.Errorf("wasmobj: global import truncated")
			}
			imp.Global = GlobalType{ValType: b[0], Mutable: b[1] != 0}
			b = b[2:]
		default:
			return nil, fmt.Errorf("wasmobj: unknown import kind %d", imp.Kind)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	return out, nil
}

func decodeFunctionSection(b []byte) ([]uint32, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		var idx uint32
		idx, n, err = leb128.LoadUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		out = append(out, idx)
	}
	return out, nil
}

func decodeMemorySection(b []byte) ([]MemoryType, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]MemoryType, 0, count)
	for i := uint32(0); i < count; i++ {
		var min, max uint32
		var hasMax, shared bool
		min, max, hasMax, shared, b, err = decodeLimits(b)
		if err != nil {
			return nil, err
		}
		out = append(out, MemoryType{Min: min, Max: max, HasMax: hasMax, Shared: shared})
	}
	return out, nil
}

func decodeGlobalSection(b []byte) ([]Global, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 2 {
			return nil, fmt.Errorf("wasmobj: global truncated")
		}
		gt := GlobalType{ValType: b[0], Mutable: b[1] != 0}
		b = b[2:]
		expr, rest, err := takeInitExpr(b)
		if err != nil {
			return nil, err
		}
		b = rest
		out = append(out, Global{Type: gt, InitExpr: expr})
	}
	return out, nil
}

// takeInitExpr consumes a constant expression up to and including its
// terminating 0x0B, without interpreting nested structure (valid MVP
// constant expressions never nest blocks).
func takeInitExpr(b []byte) (expr []byte, rest []byte, err error) {
	for i, c := range b {
		if c == opEnd {
			return append([]byte(nil), b[:i+1]...), b[i+1:], nil
		}
	}
	return nil, nil, fmt.Errorf("wasmobj: init expression missing end opcode")
}

func decodeExportSection(b []byte) ([]Export, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		var e Export
		e.Name, b, err = decodeName(b)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("wasmobj: export kind truncated")
		}
		e.Kind = ExternKind(b[0])
		b = b[1:]
		e.Index, n, err = leb128.LoadUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		out = append(out, e)
	}
	return out, nil
}

func decodeCodeSection(b []byte) ([]Code, error) {
	count, n, err := leb128.LoadUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[n:]
	out := make([]Code, 0, count)
	for i := uint32(0); i < count; i++ {
		size, n, err := leb128.LoadUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if uint64(len(b)) < uint64(size) {
			return nil, fmt.Errorf("wasmobj: code entry truncated")
		}
		entry := b[:size]
		b = b[size:]

		localCount, n, err := leb128.LoadUint32(entry)
		if err != nil {
			return nil, err
		}
		entry = entry[n:]
		locals := make([]LocalEntry, 0, localCount)
		for j := uint32(0); j < localCount; j++ {
			cnt, n, err := leb128.LoadUint32(entry)
			if err != nil {
				return nil, err
			}
			entry = entry[n:]
			if len(entry) == 0 {
				return nil, fmt.Errorf("wasmobj: local entry truncated")
			}
			typ := entry[0]
			entry = entry[1:]
			locals = append(locals, LocalEntry{Count: cnt, Type: typ})
		}
		out = append(out, Code{Locals: locals, Body: append([]byte(nil), entry...)})
	}
	return out, nil
}

// Encode serializes the object model back into a Wasm binary. A section
// this model does not interpret is re-emitted either ahead of Type (if it
// was seen there in the source binary) or grouped with its section kind at
// that kind's standard position in section order (table after function,
// element after start, datacount before code, data after code, custom
// last) — see preRaw/postRaw.
func (m *Module) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write(version)

	for _, raw := range m.preRaw {
		writeSection(&buf, raw.ID, raw.Data)
	}
	writeSection(&buf, secType, encodeTypeSection(m.Types))
	writeSection(&buf, secImport, encodeImportSection(m.Imports))
	writeSection(&buf, secFunction, encodeFunctionSection(m.FuncTypeIndices))
	for _, raw := range m.postRaw {
		if raw.ID == secTable {
			writeSection(&buf, secTable, raw.Data)
		}
	}
	writeSection(&buf, secMemory, encodeMemorySection(m.Memories))
	writeSection(&buf, secGlobal, encodeGlobalSection(m.Globals))
	writeSection(&buf, secExport, encodeExportSection(m.Exports))
	if m.Start != nil {
		writeSection(&buf, secStart, leb128.EncodeUint32(*m.Start))
	}
	for _, raw := range m.postRaw {
		if raw.ID == secElement {
			writeSection(&buf, secElement, raw.Data)
		}
	}
	for _, raw := range m.postRaw {
		if raw.ID == secDataCnt {
			writeSection(&buf, secDataCnt, raw.Data)
		}
	}
	writeSection(&buf, secCode, encodeCodeSection(m.Code))
	for _, raw := range m.postRaw {
		if raw.ID == secData {
			writeSection(&buf, secData, raw.Data)
		}
	}
	for _, raw := range m.postRaw {
		if raw.ID == secCustom {
			writeSection(&buf, secCustom, raw.Data)
		}
	}
	return buf.Bytes()
}

// writeSection appends the section if body is non-nil; encodeXSection
// helpers return nil for an empty vector so the section is omitted
// entirely, matching how real toolchains skip empty sections.
func writeSection(buf *bytes.Buffer, id byte, body []byte) {
	if body == nil {
		return
	}
	buf.WriteByte(id)
	buf.Write(leb128.EncodeUint32(uint32(len(body))))
	buf.Write(body)
}

func encodeTypeSection(types []FuncType) []byte {
	if len(types) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(types))))
	for _, ft := range types {
		buf.WriteByte(0x60)
		buf.Write(leb128.EncodeUint32(uint32(len(ft.Params))))
		buf.Write(ft.Params)
		buf.Write(leb128.EncodeUint32(uint32(len(ft.Results))))
		buf.Write(ft.Results)
	}
	return buf.Bytes()
}

func encodeName(buf *bytes.Buffer, s string) {
	buf.Write(leb128.EncodeUint32(uint32(len(s))))
	buf.WriteString(s)
}

func encodeLimits(buf *bytes.Buffer, min, max uint32, hasMax, shared bool) {
	var flags byte
	if hasMax {
		flags |= 0x01
	}
	if shared {
		flags |= 0x02
	}
	buf.WriteByte(flags)
	buf.Write(leb128.EncodeUint32(min))
	if hasMax {
		buf.Write(leb128.EncodeUint32(max))
	}
}

func encodeImportSection(imports []Import) []byte {
	if len(imports) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(imports))))
	for _, imp := range imports {
		encodeName(&buf, imp.Module)
		encodeName(&buf, imp.Name)
		buf.WriteByte(byte(imp.Kind))
		switch imp.Kind {
		case ExternKindFunc:
			buf.Write(leb128.EncodeUint32(imp.FuncTypeIdx))
		case ExternKindTable:
			buf.Write(imp.RawTableType)
		case ExternKindMemory:
			encodeLimits(&buf, imp.Memory.Min, imp.Memory.Max, imp.Memory.HasMax, imp.Memory.Shared)
		case ExternKindGlobal:
			buf.WriteByte(imp.Global.ValType)
			if imp.Global.Mutable {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	}
	return buf.Bytes()
}

func encodeFunctionSection(typeIdxs []uint32) []byte {
	if len(typeIdxs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(typeIdxs))))
	for _, idx := range typeIdxs {
		buf.Write(leb128.EncodeUint32(idx))
	}
	return buf.Bytes()
}

func encodeMemorySection(mems []MemoryType) []byte {
	if len(mems) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(mems))))
	for _, mt := range mems {
		encodeLimits(&buf, mt.Min, mt.Max, mt.HasMax, mt.Shared)
	}
	return buf.Bytes()
}

func encodeGlobalSection(globals []Global) []byte {
	if len(globals) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(globals))))
	for _, g := range globals {
		buf.WriteByte(g.Type.ValType)
		if g.Type.Mutable {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.Write(g.InitExpr)
	}
	return buf.Bytes()
}

func encodeExportSection(exports []Export) []byte {
	if len(exports) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(exports))))
	for _, e := range exports {
		encodeName(&buf, e.Name)
		buf.WriteByte(byte(e.Kind))
		buf.Write(leb128.EncodeUint32(e.Index))
	}
	return buf.Bytes()
}

func encodeCodeSection(codes []Code) []byte {
	if len(codes) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(leb128.EncodeUint32(uint32(len(codes))))
	for _, c := range codes {
		var entry bytes.Buffer
		entry.Write(leb128.EncodeUint32(uint32(len(c.Locals))))
		for _, le := range c.Locals {
			entry.Write(leb128.EncodeUint32(le.Count))
			entry.WriteByte(le.Type)
		}
		entry.Write(c.Body)
		buf.Write(leb128.EncodeUint32(uint32(entry.Len())))
		buf.Write(entry.Bytes())
	}
	return buf.Bytes()
}
