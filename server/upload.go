package server

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/jalad-shrimali/cdr-correlator/archive"
	"github.com/jalad-shrimali/cdr-correlator/ingest"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

const defaultMaxUploadMB = 512

var unsafeName = regexp.MustCompile(`[^\w.\-() ]+`)

// receive stores the multipart "files" of r in a fresh directory under the
// upload dir and archives them when an archiver is configured. The returned
// cleanup removes the directory.
func (rt *Router) receive(w http.ResponseWriter, r *http.Request, kind string) ([]ingest.Upload, func(), error) {
	maxMB := rt.cfg.MaxUploadMB
	if maxMB <= 0 {
		maxMB = defaultMaxUploadMB
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxMB<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, func() {}, badRequest("invalid multipart upload: %v", err)
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		return nil, func() {}, badRequest("no files uploaded")
	}

	base := rt.cfg.UploadDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, func() {}, ioError("create upload dir", err)
	}
	dir, err := os.MkdirTemp(base, kind+"-*")
	if err != nil {
		return nil, func() {}, ioError("create upload dir", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			rt.log.Warn("failed to remove upload dir", "dir", dir, "error", err)
		}
	}

	uploads := make([]ingest.Upload, 0, len(headers))
	for _, fh := range headers {
		up, err := saveFile(dir, fh)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		if err := rt.archiveFile(r.Context(), kind, up); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		uploads = append(uploads, up)
	}
	return uploads, cleanup, nil
}

func saveFile(dir string, fh *multipart.FileHeader) (ingest.Upload, error) {
	src, err := fh.Open()
	if err != nil {
		return ingest.Upload{}, ioError("open upload", err)
	}
	defer src.Close()

	name := filepath.Base(fh.Filename)
	path := filepath.Join(dir, uuid.NewString()+"__"+unsafeName.ReplaceAllString(name, "_"))
	out, err := os.Create(path)
	if err != nil {
		return ingest.Upload{}, ioError("store upload", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return ingest.Upload{}, ioError("store upload", err)
	}
	if err := out.Close(); err != nil {
		return ingest.Upload{}, ioError("store upload", err)
	}
	return ingest.Upload{Path: path, Name: name}, nil
}

func (rt *Router) archiveFile(ctx context.Context, kind string, up ingest.Upload) error {
	if rt.archive == nil {
		return nil
	}
	loc, err := rt.archive.Upload(ctx, up.Path, archive.Key(kind, up.Name, time.Now()))
	if err != nil {
		return err
	}
	rt.log.Info("upload archived", "file", up.Name, "location", loc)
	return nil
}

func ioError(op string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("server").
		Category(errors.CategoryFileIO).
		Build()
}
