// Package provider defines the contract the session manager depends on to
// drive a remote execution environment. A provider owns session creation,
// status queries, operation invocation, and termination; everything else
// (naming, caching, reconnection) is the manager's job.
package provider

import (
	"context"
	"time"
)

// Status is the provider-reported state of a remote session.
type Status string

const (
	StatusReady    Status = "READY"
	StatusNotReady Status = "NOT_READY"
)

// Operation identifies what to run inside a session.
type Operation string

const (
	OpExecuteCode    Operation = "executeCode"
	OpExecuteCommand Operation = "executeCommand"
	OpReadFiles      Operation = "readFiles"
	OpListFiles      Operation = "listFiles"
	OpWriteFiles     Operation = "writeFiles"
	OpRemoveFiles    Operation = "removeFiles"
)

// FileSpec is one file to write into the sandbox filesystem.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// InvokeArgs carries the payload for an Invoke call. Which fields are
// meaningful depends on the operation.
type InvokeArgs struct {
	// OpExecuteCode
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// OpExecuteCommand
	Command string `json:"command,omitempty"`

	// OpReadFiles / OpRemoveFiles
	Paths []string `json:"paths,omitempty"`

	// OpListFiles. Empty = session working directory.
	Path string `json:"path,omitempty"`

	// OpWriteFiles
	Files []FileSpec `json:"files,omitempty"`
}

// Provider is the remote execution environment the manager drives.
//
// Terminate is best-effort by contract: implementations should make a real
// attempt but callers must treat failures as non-fatal.
type Provider interface {
	// Create provisions a new remote session and returns its provider-issued
	// identifier. The timeout is a hint for the provider's own session
	// lifetime; zero means provider default.
	Create(ctx context.Context, name string, timeout time.Duration) (string, error)

	// Status reports whether the identified session can accept work.
	// An unknown identifier is an error.
	Status(ctx context.Context, remoteID string) (Status, error)

	// Invoke runs an operation inside the session and returns either a
	// single result or a stream of fragments.
	Invoke(ctx context.Context, remoteID string, op Operation, args InvokeArgs) (Response, error)

	// Terminate tears the session down.
	Terminate(ctx context.Context, remoteID string) error
}
