// Package diagnostics captures crash dumps for panics inside runner loops.
//
// A CrashDumpWriter persists the panic value, the stack, process resource
// usage and the execution being evaluated, so a loop that crashed can be
// inspected after the execution has been failed.
package diagnostics
