// Package gas meters WebAssembly code by instrumentation.
//
// Instrument appends two exported i64 globals to a module, __gas_used and
// __gas_limit, and weaves a charge into every straight-line segment of every
// function body. A segment ends at each control instruction (block, loop, if,
// branches, calls, return), so every loop iteration and every call pays before
// it runs. When the accumulated charge exceeds the limit the segment executes
// unreachable, which the host reports as gas exhaustion because the used
// counter is above the limit.
//
// The host owns both globals: it writes the limit before a call and reads or
// rewrites the used counter between calls.
package gas
