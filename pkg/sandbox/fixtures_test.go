// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"encoding/binary"
)

// The test guests are hand-assembled core modules. Opcodes used:
//   0x20 local.get   0x41 i32.const   0x42 i64.const
//   0xad i64.extend_i32_u   0x86 i64.shl   0x84 i64.or
//   0x03 loop   0x0c br   0x10 call   0x0b end

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = binary.AppendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

func vec(entries ...[]byte) []byte {
	var out []byte
	out = binary.AppendUvarint(out, uint64(len(entries)))
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

var (
	typeAlloc = []byte{0x60, 0x01, 0x7f, 0x01, 0x7f}             // (i32) -> i32
	typeRun   = []byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}       // (i32, i32) -> i64
	typeLog   = []byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x00} // (i32 x4) -> ()

	// alloc ignores the size and hands out a fixed arena at 1024.
	bodyAlloc = []byte{0x00, 0x41, 0x80, 0x08, 0x0b}

	// run echoes its input: pack(ptr, len).
	bodyEcho = []byte{0x00,
		0x20, 0x00, 0xad, // local.get 0; i64.extend_i32_u
		0x42, 0x20, 0x86, // i64.const 32; i64.shl
		0x20, 0x01, 0xad, // local.get 1; i64.extend_i32_u
		0x84, 0x0b, // i64.or; end
	}

	// run spins forever; only the engine's interruption can stop it.
	bodySpin = []byte{0x00,
		0x03, 0x40, // loop (void)
		0x0c, 0x00, // br 0
		0x0b,             // end loop
		0x42, 0x00, 0x0b, // i64.const 0; end
	}
)

func body(code []byte) []byte {
	var out []byte
	out = binary.AppendUvarint(out, uint64(len(code)))
	return append(out, code...)
}

func exportEntry(name string, kind byte, index byte) []byte {
	out := []byte{byte(len(name))}
	out = append(out, name...)
	return append(out, kind, index)
}

// echoGuest exports alloc, run (echo), and memory.
func echoGuest() []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module = append(module, section(1, vec(typeAlloc, typeRun))...)
	module = append(module, section(3, []byte{0x02, 0x00, 0x01})...)
	module = append(module, section(5, []byte{0x01, 0x00, 0x01})...)
	module = append(module, section(7, vec(
		exportEntry("alloc", 0x00, 0),
		exportEntry("run", 0x00, 1),
		exportEntry("memory", 0x02, 0),
	))...)
	module = append(module, section(10, vec(body(bodyAlloc), body(bodyEcho)))...)
	return module
}

// spinGuest exports alloc, run (infinite loop), and memory.
func spinGuest() []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module = append(module, section(1, vec(typeAlloc, typeRun))...)
	module = append(module, section(3, []byte{0x02, 0x00, 0x01})...)
	module = append(module, section(5, []byte{0x01, 0x00, 0x01})...)
	module = append(module, section(7, vec(
		exportEntry("alloc", 0x00, 0),
		exportEntry("run", 0x00, 1),
		exportEntry("memory", 0x02, 0),
	))...)
	module = append(module, section(10, vec(body(bodyAlloc), body(bodySpin)))...)
	return module
}

// loggerGuest imports cyfr.log, calls it with "info"/"hello" from a data
// segment, then echoes its input. The import takes function index 0, so the
// defined alloc and run shift to 1 and 2.
func loggerGuest() []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module = append(module, section(1, vec(typeAlloc, typeRun, typeLog))...)

	importEntry := []byte{0x04}
	importEntry = append(importEntry, "cyfr"...)
	importEntry = append(importEntry, 0x03)
	importEntry = append(importEntry, "log"...)
	importEntry = append(importEntry, 0x00, 0x02)
	module = append(module, section(2, vec(importEntry))...)

	module = append(module, section(3, []byte{0x02, 0x00, 0x01})...)
	module = append(module, section(5, []byte{0x01, 0x00, 0x01})...)
	module = append(module, section(7, vec(
		exportEntry("alloc", 0x00, 1),
		exportEntry("run", 0x00, 2),
		exportEntry("memory", 0x02, 0),
	))...)

	bodyLogEcho := []byte{0x00,
		0x41, 0x00, // i32.const 0  (level ptr)
		0x41, 0x04, // i32.const 4  (level len)
		0x41, 0x04, // i32.const 4  (msg ptr)
		0x41, 0x05, // i32.const 5  (msg len)
		0x10, 0x00, // call 0 (cyfr.log)
		0x20, 0x00, 0xad,
		0x42, 0x20, 0x86,
		0x20, 0x01, 0xad,
		0x84, 0x0b,
	}
	module = append(module, section(10, vec(body(bodyAlloc), body(bodyLogEcho)))...)

	dataSegment := []byte{0x00, 0x41, 0x00, 0x0b, 0x09}
	dataSegment = append(dataSegment, "infohello"...)
	module = append(module, section(11, vec(dataSegment))...)
	return module
}

// noAllocGuest exports run but no allocator.
func noAllocGuest() []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	module = append(module, section(1, vec(typeRun))...)
	module = append(module, section(3, []byte{0x01, 0x00})...)
	module = append(module, section(5, []byte{0x01, 0x00, 0x01})...)
	module = append(module, section(7, vec(
		exportEntry("run", 0x00, 0),
		exportEntry("memory", 0x02, 0),
	))...)
	module = append(module, section(10, vec(body(bodyEcho)))...)
	return module
}
