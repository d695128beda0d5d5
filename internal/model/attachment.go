// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// FileAttachment references a binary file associated with a sent message.
//
// Ref and PreviewRef are local blob references (paths into the attachment
// manager's blob directory). The attachment manager owns the references
// while an attachment is pending; once the attachment is sent, ownership
// passes to the message and the pending copy must not be released.
type FileAttachment struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MIME       string `json:"type"`
	Size       int64  `json:"size"`
	Ref        string `json:"url"`
	PreviewRef string `json:"previewUrl,omitempty"`
}

// IsImage reports whether the attachment is an image (eligible for preview).
func (a *FileAttachment) IsImage() bool {
	return len(a.MIME) > 6 && a.MIME[:6] == "image/"
}
