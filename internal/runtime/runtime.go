// Package runtime is the reference implementation of the bytecode runtime
// collaborator that spec.md §1 treats as opaque and out of scope. Real
// deployments replace this with a JIT/interpreter; the rest of the
// dispatcher only depends on the Compiler interface.
//
// The reference format is deliberately tiny: a one-byte opcode header
// followed by an optional key byte, interpreted identically regardless of
// which backend "executes" it (no backend here has real divergent hardware,
// so execute_cuda/execute_rocm/etc. all delegate to the same interpreter,
// which is exactly what the spec's abstraction boundary requires of a
// stand-in collaborator).
package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

// Opcode identifies one of the reference interpreter's byte transforms.
type Opcode byte

const (
	// OpIdentity returns the input unchanged.
	OpIdentity Opcode = iota
	// OpReverse returns the input with byte order reversed.
	OpReverse
	// OpXor XORs every input byte with the key byte that follows the opcode.
	OpXor
)

// ModuleHandle is an opaque, content-addressed reference to a compiled
// program, cheap to pass by value and safe to use as a map key.
type ModuleHandle struct {
	hash string
	op   Opcode
	key  byte
}

// Hash returns the module's content hash, used to key the compile cache.
func (m ModuleHandle) Hash() string { return m.hash }

// Compiler is the collaborator interface the rest of the dispatcher depends
// on: compile/validate the portable program bytes, then execute them on a
// named backend target.
type Compiler interface {
	Validate(program []byte) bool
	Compile(program []byte, moduleID string) (ModuleHandle, error)
	ExecuteCPU(handle ModuleHandle, input []byte) ([]byte, error)
	ExecuteCUDA(handle ModuleHandle, input []byte) ([]byte, error)
	ExecuteROCM(handle ModuleHandle, input []byte) ([]byte, error)
	ExecuteMetal(handle ModuleHandle, input []byte) ([]byte, error)
	ExecuteVulkan(handle ModuleHandle, input []byte) ([]byte, error)
}

// Interpreter is the reference Compiler. Compiled modules are cached by
// content hash, matching the orchestrator's "compile (cached per-module
// hash)" step in spec.md §4.5.
type Interpreter struct {
	mu    sync.RWMutex
	cache map[string]ModuleHandle
}

// NewInterpreter builds an empty reference Compiler.
func NewInterpreter() *Interpreter {
	return &Interpreter{cache: make(map[string]ModuleHandle)}
}

// Validate reports whether program bytes have a recognized opcode header.
func (i *Interpreter) Validate(program []byte) bool {
	if len(program) == 0 {
		return false
	}
	switch Opcode(program[0]) {
	case OpIdentity, OpReverse:
		return len(program) == 1
	case OpXor:
		return len(program) == 2
	default:
		return false
	}
}

// Compile validates and caches a module by content hash.
func (i *Interpreter) Compile(program []byte, moduleID string) (ModuleHandle, error) {
	if !i.Validate(program) {
		return ModuleHandle{}, dispatcherr.New(dispatcherr.KindModule, "invalid program bytes")
	}

	sum := sha256.Sum256(program)
	hash := hex.EncodeToString(sum[:])

	i.mu.RLock()
	if h, ok := i.cache[hash]; ok {
		i.mu.RUnlock()
		return h, nil
	}
	i.mu.RUnlock()

	h := ModuleHandle{hash: hash, op: Opcode(program[0])}
	if h.op == OpXor {
		h.key = program[1]
	}

	i.mu.Lock()
	i.cache[hash] = h
	i.mu.Unlock()

	return h, nil
}

func (i *Interpreter) interpret(handle ModuleHandle, input []byte) ([]byte, error) {
	out := make([]byte, len(input))
	copy(out, input)

	switch handle.op {
	case OpIdentity:
		return out, nil
	case OpReverse:
		for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
		return out, nil
	case OpXor:
		for idx := range out {
			out[idx] ^= handle.key
		}
		return out, nil
	default:
		return nil, dispatcherr.New(dispatcherr.KindModule, "unrecognized opcode")
	}
}

// ExecuteCPU runs the interpreted program on the reference CPU path.
func (i *Interpreter) ExecuteCPU(handle ModuleHandle, input []byte) ([]byte, error) {
	return i.interpret(handle, input)
}

// ExecuteCUDA runs the interpreted program on the reference CUDA path.
func (i *Interpreter) ExecuteCUDA(handle ModuleHandle, input []byte) ([]byte, error) {
	return i.interpret(handle, input)
}

// ExecuteROCM runs the interpreted program on the reference ROCm path.
func (i *Interpreter) ExecuteROCM(handle ModuleHandle, input []byte) ([]byte, error) {
	return i.interpret(handle, input)
}

// ExecuteMetal runs the interpreted program on the reference Metal path.
func (i *Interpreter) ExecuteMetal(handle ModuleHandle, input []byte) ([]byte, error) {
	return i.interpret(handle, input)
}

// ExecuteVulkan runs the interpreted program on the reference Vulkan path.
func (i *Interpreter) ExecuteVulkan(handle ModuleHandle, input []byte) ([]byte, error) {
	return i.interpret(handle, input)
}
