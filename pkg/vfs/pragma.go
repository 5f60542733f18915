package vfs

// Pragma is the argument of the pragma file-control opcode: the relayed
// pragma name and value, and an optional result the backend can hand
// back to the engine. A backend that does not recognise the pragma
// returns ErrNotFoundOp so the engine falls through to its built-in
// handling.
type Pragma struct {
	Name   string
	Value  string
	Result string
}
