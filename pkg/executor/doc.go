// Package executor backs feedback.Executor with a real sandboxed harness
// run, either directly against a containerd daemon (Linux) or via a Lima
// VM that provides one (macOS, see lima_darwin.go).
package executor
