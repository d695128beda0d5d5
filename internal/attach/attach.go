// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attach manages pending file attachments for the next message.
//
// Files are validated as a batch and copied into a local blob directory.
// The manager owns the blob copies until Take transfers them to a sent
// message; Remove and Clear release the copies of attachments that are
// discarded before sending.
package attach

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sufiyansj/mag/internal/model"
)

// Attachment limits matching the upload policy.
const (
	// MaxFiles is the maximum number of attachments per message.
	MaxFiles = 5

	// MaxFileSize is the maximum size of a single attachment.
	MaxFileSize = 10 * 1024 * 1024 // 10MiB
)

// AcceptedTypes lists the allowed attachment types. Entries are either MIME
// patterns ("image/*", "application/pdf") or bare file extensions (".doc").
var AcceptedTypes = []string{
	"image/*",
	"application/pdf",
	"text/*",
	".doc",
	".docx",
}

// FileIssue describes why one file in a batch was rejected.
type FileIssue struct {
	Name   string
	Reason string
}

// ValidationError reports a rejected batch. Validation is all-or-nothing:
// if any file fails, no file from the batch is attached.
type ValidationError struct {
	Issues []FileIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("attachment rejected: %s: %s", e.Issues[0].Name, e.Issues[0].Reason)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Name+": "+issue.Reason)
	}
	return fmt.Sprintf("%d attachments rejected: %s", len(e.Issues), strings.Join(parts, "; "))
}

// Manager stages attachments for the next message.
type Manager struct {
	blobDir     string
	maxFiles    int
	maxFileSize int64
	accepted    []string
	pending     []*model.FileAttachment
}

// NewManager creates a manager that stores blobs under ~/.mag/blobs.
func NewManager() (*Manager, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewManagerWithDir(filepath.Join(homeDir, ".mag", "blobs"))
}

// NewManagerWithDir creates a manager with a custom blob directory.
func NewManagerWithDir(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Manager{
		blobDir:     dir,
		maxFiles:    MaxFiles,
		maxFileSize: MaxFileSize,
		accepted:    AcceptedTypes,
	}, nil
}

// Pending returns the currently staged attachments.
func (m *Manager) Pending() []*model.FileAttachment {
	return m.pending
}

// Count returns the number of staged attachments.
func (m *Manager) Count() int {
	return len(m.pending)
}

// TotalSize returns the combined size of the staged attachments in bytes.
func (m *Manager) TotalSize() int64 {
	var total int64
	for _, att := range m.pending {
		total += att.Size
	}
	return total
}

// Add validates and stages a batch of files. The batch is all-or-nothing:
// if any file fails validation or copying, nothing is staged and the
// returned *ValidationError lists every offending file.
func (m *Manager) Add(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	var issues []FileIssue

	if len(m.pending)+len(paths) > m.maxFiles {
		issues = append(issues, FileIssue{
			Name:   fmt.Sprintf("%d files", len(paths)),
			Reason: fmt.Sprintf("would exceed the maximum of %d attachments (%d already staged)", m.maxFiles, len(m.pending)),
		})
	}

	type candidate struct {
		path string
		name string
		mime string
		size int64
	}
	candidates := make([]candidate, 0, len(paths))

	for _, path := range paths {
		name := filepath.Base(path)

		info, err := os.Stat(path)
		if err != nil {
			issues = append(issues, FileIssue{Name: name, Reason: "file not found"})
			continue
		}
		if info.IsDir() {
			issues = append(issues, FileIssue{Name: name, Reason: "is a directory"})
			continue
		}
		if info.Size() > m.maxFileSize {
			issues = append(issues, FileIssue{
				Name:   name,
				Reason: fmt.Sprintf("exceeds the %dMB size limit", m.maxFileSize/(1024*1024)),
			})
			continue
		}

		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		if !m.typeAccepted(name, mimeType) {
			issues = append(issues, FileIssue{Name: name, Reason: "unsupported file type"})
			continue
		}

		candidates = append(candidates, candidate{path: path, name: name, mime: mimeType, size: info.Size()})
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	// Copy into the blob directory. Any failure rolls back the whole batch.
	staged := make([]*model.FileAttachment, 0, len(candidates))
	for _, c := range candidates {
		att, err := m.stage(c.path, c.name, c.mime, c.size)
		if err != nil {
			for _, s := range staged {
				os.Remove(s.Ref)
			}
			return fmt.Errorf("stage attachment %s: %w", c.name, err)
		}
		staged = append(staged, att)
	}

	m.pending = append(m.pending, staged...)
	return nil
}

// stage copies one file into the blob directory under a fresh ID.
func (m *Manager) stage(path, name, mimeType string, size int64) (*model.FileAttachment, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	id := uuid.NewString()
	blobPath := filepath.Join(m.blobDir, id+filepath.Ext(name))

	dst, err := os.OpenFile(blobPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(blobPath)
		return nil, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(blobPath)
		return nil, err
	}

	att := &model.FileAttachment{
		ID:   id,
		Name: name,
		MIME: mimeType,
		Size: size,
		Ref:  blobPath,
	}
	if att.IsImage() {
		att.PreviewRef = blobPath
	}
	return att, nil
}

// typeAccepted checks a file against the accepted type list.
func (m *Manager) typeAccepted(name, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, accepted := range m.accepted {
		switch {
		case strings.HasPrefix(accepted, "."):
			if ext == accepted {
				return true
			}
		case strings.HasSuffix(accepted, "/*"):
			if strings.HasPrefix(mimeType, strings.TrimSuffix(accepted, "*")) {
				return true
			}
		default:
			if mimeType == accepted {
				return true
			}
		}
	}
	return false
}

// Remove releases a single staged attachment by ID. Removing an unknown ID
// is a no-op.
func (m *Manager) Remove(id string) error {
	for i, att := range m.pending {
		if att.ID == id {
			if err := os.Remove(att.Ref); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("release attachment blob: %w", err)
			}
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

// Clear releases every staged attachment.
func (m *Manager) Clear() error {
	var firstErr error
	for _, att := range m.pending {
		if err := os.Remove(att.Ref); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("release attachment blob: %w", err)
		}
	}
	m.pending = nil
	return firstErr
}

// Take transfers ownership of the staged attachments to the caller and
// resets the pending list. The blob copies are kept; they now belong to
// the message the attachments are sent with.
func (m *Manager) Take() []*model.FileAttachment {
	taken := m.pending
	m.pending = nil
	return taken
}
