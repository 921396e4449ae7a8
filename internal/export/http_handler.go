package export

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/rpattn/journaled/internal/domain"
)

type Handler struct {
	service *Service
}

// NewHTTPHandler serves GET .../{kind}/{id}/journal.{xlsx|csv}.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ref, format, err := parseExportPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	size, err := h.service.Write(r.Context(), &buf, ref, format)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("export failed: %v", err), status)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", FileName(ref, format)))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func parseExportPath(p string) (domain.EntityRef, Format, error) {
	clean := strings.Trim(path.Clean(p), "/")
	segments := strings.Split(clean, "/")
	if len(segments) < 3 {
		return domain.EntityRef{}, "", fmt.Errorf("%w: export path must end with {kind}/{id}/journal.{format}", domain.ErrValidation)
	}
	file := segments[len(segments)-1]
	name, ext, ok := strings.Cut(file, ".")
	if !ok || name != "journal" {
		return domain.EntityRef{}, "", fmt.Errorf("%w: unknown export file %q", domain.ErrValidation, file)
	}
	format, err := ParseFormat(ext)
	if err != nil {
		return domain.EntityRef{}, "", err
	}
	ref, err := domain.ParseEntityRef(segments[len(segments)-3] + ":" + segments[len(segments)-2])
	if err != nil {
		return domain.EntityRef{}, "", err
	}
	return ref, format, nil
}
