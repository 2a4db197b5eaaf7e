package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rag-gateway/internal/models"
	"rag-gateway/internal/rag"
	"rag-gateway/internal/workerpool"
)

type handler struct {
	rag       *rag.RAG
	pool      *workerpool.Pool
	maxUpload int64
}

func (h *handler) limitBody(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
}

// GET /ask?q=
func (h *handler) ask(c *gin.Context) {
	q := c.Query("q")
	answer, err := workerpool.Do(c.Request.Context(), h.pool, func(ctx context.Context) (string, error) {
		return h.rag.Ask(ctx, q)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, answer)
}

// GET /documents/query?q=
func (h *handler) queryParam(c *gin.Context) {
	h.query(c, c.Query("q"))
}

// POST /query with the question as the raw body
func (h *handler) queryBody(c *gin.Context) {
	h.limitBody(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	h.query(c, strings.TrimSpace(string(body)))
}

func (h *handler) query(c *gin.Context, q string) {
	answer, err := workerpool.Do(c.Request.Context(), h.pool, func(ctx context.Context) (string, error) {
		return h.rag.Query(ctx, q)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, answer)
}

// POST /documents/upload
func (h *handler) uploadWithCount(c *gin.Context) {
	res, err := h.ingestOne(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("Document uploaded successfully. Processed %d chunks.", res.Chunks))
}

// POST /upload
func (h *handler) upload(c *gin.Context) {
	if _, err := h.ingestOne(c); err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, "Document uploaded successfully")
}

func (h *handler) ingestOne(c *gin.Context) (*rag.IngestResult, error) {
	h.limitBody(c)
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, formError(err)
	}
	up, err := readUpload(fh)
	if err != nil {
		return nil, err
	}
	return workerpool.Do(c.Request.Context(), h.pool, func(ctx context.Context) (*rag.IngestResult, error) {
		return h.rag.Ingest(ctx, up)
	})
}

// POST /upload-multiple
func (h *handler) uploadMultiple(c *gin.Context) {
	h.limitBody(c)
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, formError(err))
		return
	}
	files := form.File["files"]
	uploads := make([]rag.Upload, 0, len(files))
	for _, fh := range files {
		up, err := readUpload(fh)
		if err != nil {
			writeError(c, err)
			return
		}
		uploads = append(uploads, up)
	}

	results, err := workerpool.Do(c.Request.Context(), h.pool, func(ctx context.Context) ([]*rag.IngestResult, error) {
		return h.rag.IngestMany(ctx, uploads)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, fmt.Sprintf("%d documents uploaded successfully", len(results)))
}

// GET on the deployment base path
func (h *handler) brief(c *gin.Context) {
	out, err := workerpool.Do(c.Request.Context(), h.pool, func(ctx context.Context) (string, error) {
		return h.rag.Brief(ctx)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, out)
}

func readUpload(fh *multipart.FileHeader) (rag.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return rag.Upload{}, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return rag.Upload{}, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err)
	}
	return rag.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// formError turns a missing multipart field into a validation error and
// leaves body size errors alone
func formError(err error) error {
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return err
}
