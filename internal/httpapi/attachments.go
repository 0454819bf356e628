package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vibe80/engine/internal/model"
)

const maxAttachmentUploadBytes = 25 << 20 // 25 MiB

// handleUploadAttachment implements POST /api/attachments/upload?session=...
// (multipart), writing uploaded files into the session's attachmentsDir with
// sanitized, collision-free names, per spec.md §5's AttachmentSession
// ("scratch namespace for uploaded files") and §8's "filename sanitization
// strips path separators and reserves uniqueness via counters".
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.GetSession(r.URL.Query().Get("session"), auth.workspace.ID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(maxAttachmentUploadBytes); err != nil {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindValidation, "INVALID_MULTIPART", "invalid multipart body", err))
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindValidation, "FILE_REQUIRED", "file field is required", nil))
		return
	}

	var saved []string
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			s.writeEngineError(w, r, model.NewEngineError(model.ErrKindValidation, "FILE_UNREADABLE", "could not read uploaded file", err))
			return
		}
		name, err := uniqueAttachmentName(sess.AttachmentsDir, sanitizeAttachmentName(fh.Filename))
		if err != nil {
			src.Close()
			s.writeEngineError(w, r, model.NewEngineError(model.ErrKindStorage, "ATTACHMENT_NAME", "could not allocate attachment name", err))
			return
		}
		dstPath := filepath.Join(sess.AttachmentsDir, name)
		dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err != nil {
			src.Close()
			s.writeEngineError(w, r, model.NewEngineError(model.ErrKindStorage, "ATTACHMENT_WRITE", "could not write attachment", err))
			return
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			s.writeEngineError(w, r, model.NewEngineError(model.ErrKindStorage, "ATTACHMENT_WRITE", "could not write attachment", copyErr))
			return
		}
		saved = append(saved, name)
	}

	writeJSON(w, http.StatusOK, map[string][]string{"attachments": saved})
}

// handleListAttachments implements GET /api/attachments?session=....
func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireWorkspace(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.GetSession(r.URL.Query().Get("session"), auth.workspace.ID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	entries, err := os.ReadDir(sess.AttachmentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string][]string{"attachments": {}})
			return
		}
		s.writeEngineError(w, r, model.NewEngineError(model.ErrKindStorage, "ATTACHMENTS_LIST", "could not list attachments", err))
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"attachments": names})
}

// sanitizeAttachmentName strips any path separators and leading dots so an
// uploaded filename can't escape attachmentsDir or collide with a dotfile.
func sanitizeAttachmentName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.ReplaceAll(name, "/", "_"), "\\", "_"))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "upload"
	}
	return name
}

// uniqueAttachmentName appends a numeric counter before the extension until
// it finds a name not already present in dir.
func uniqueAttachmentName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		_, err := os.Stat(filepath.Join(dir, candidate))
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}
