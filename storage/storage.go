// Package storage resolves job input references and persists conversion
// outputs.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/xraph/docflow/id"
)

// ErrNotFound is returned when a referenced file does not exist.
var ErrNotFound = errors.New("storage: file not found")

// FileInfo describes a stored file.
type FileInfo struct {
	Name string
	Size int64
	// Hash is a content fingerprint if the backend has one cheaply, else empty.
	Hash string
}

// Storage is the contract for file backends. References are opaque,
// backend-relative strings.
type Storage interface {
	// Stat describes the file at ref without reading it.
	Stat(ctx context.Context, ref string) (FileInfo, error)

	// Load reads the file at ref.
	Load(ctx context.Context, ref string) ([]byte, error)

	// Save writes a job's output and returns its reference.
	Save(ctx context.Context, tenantID string, jobID id.JobID, name string, data []byte) (string, error)
}

// InputRef is the backend-relative reference of a tenant's input file.
func InputRef(tenantID, name string) string {
	return "inputs/" + safeSegment(tenantID) + "/" + strings.TrimPrefix(path.Clean("/"+name), "/")
}

// ScopeRef cleans ref and checks that it lies in tenantID's namespace: its
// inputs, or the outputs of its own jobs. ok is false for refs of other
// tenants, refs outside both namespaces and refs containing backslashes.
func ScopeRef(tenantID, ref string) (clean string, ok bool) {
	if ref == "" || strings.ContainsRune(ref, '\\') {
		return "", false
	}
	clean = strings.TrimPrefix(path.Clean("/"+ref), "/")
	seg := safeSegment(tenantID)
	for _, ns := range []string{"inputs/", "outputs/"} {
		prefix := ns + seg + "/"
		if strings.HasPrefix(clean, prefix) && len(clean) > len(prefix) {
			return clean, true
		}
	}
	return "", false
}

// OutputRef is the backend-relative reference of a job output.
func OutputRef(tenantID string, jobID id.JobID, name string) string {
	return "outputs/" + safeSegment(tenantID) + "/" + jobID.String() + "/" + safeSegment(name)
}

func safeSegment(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r < 0x20:
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	seg := string(out)
	if seg == "" || seg == "." || seg == ".." {
		return "_"
	}
	return seg
}
