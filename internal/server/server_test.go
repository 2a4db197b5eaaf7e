package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-gateway/internal/chromemdb"
	"rag-gateway/internal/config"
	"rag-gateway/internal/llmservice"
	"rag-gateway/internal/models"
	"rag-gateway/internal/rag"
	"rag-gateway/internal/splitter"
	"rag-gateway/internal/workerpool"
)

type constEmbedder struct{}

func (constEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)) + 1, 1, 1}
	}
	return out, nil
}

func (constEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)) + 1, 1, 1}, nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
	block   bool
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, cfg llmservice.GenerationConfig) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.err != nil {
		return "", g.err
	}
	return "answer", nil
}

func (g *fakeGenerator) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type testEnv struct {
	srv       *Server
	pool      *workerpool.Pool
	handler   http.Handler
	assistant *rag.RAG
	gemini    *rag.RAG
	gen       *fakeGenerator
}

func newEnv(t *testing.T, gen *fakeGenerator, timeout time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	newRAG := func(name string, opts rag.Options) *rag.RAG {
		idx, err := chromemdb.NewVectorDBManager(config.VectorStoreConfig{Kind: config.StoreChromem, Collection: name})
		require.NoError(t, err)
		return rag.NewRAG(name, constEmbedder{}, idx, gen, opts)
	}
	assistant := newRAG(config.DeploymentAssistant, rag.Options{
		Splitter: splitter.Options{Mode: splitter.ModeChars, Size: 1000, Overlap: 200},
	})
	gemini := newRAG(config.DeploymentGemini, rag.Options{
		Splitter: splitter.Options{Mode: splitter.ModeChars, Size: 1000, Overlap: 200},
	})

	pool := workerpool.New(2, 4)
	t.Cleanup(func() { pool.Close() })

	srv := New(config.ServerConfig{
		Addr:           ":0",
		RequestTimeout: timeout,
		MaxUploadBytes: 1 << 20,
	}, pool, Routes{
		Assistant: &Deployment{RAG: assistant},
		Gemini:    &Deployment{RAG: gemini, BasePath: "/api/gemini"},
	})
	return &testEnv{srv: srv, pool: pool, handler: srv.Handler(), assistant: assistant, gemini: gemini, gen: gen}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, url, field string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func count(t *testing.T, r *rag.RAG) int {
	t.Helper()
	n, err := r.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)
	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestRequestIDHeader(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = env.do(req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestAssistantUploadReportsChunks(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	req := multipartRequest(t, "/documents/upload", "file", map[string]string{
		"notes.txt": strings.Repeat("0123456789", 300),
	})
	w := env.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Document uploaded successfully. Processed 4 chunks.", w.Body.String())
	assert.Equal(t, 4, count(t, env.assistant))
	assert.Zero(t, count(t, env.gemini))
}

func TestAssistantQueryAndAsk(t *testing.T) {
	gen := &fakeGenerator{}
	env := newEnv(t, gen, time.Second)

	w := env.do(httptest.NewRequest(http.MethodGet, "/documents/query?q=refund+window", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "answer", w.Body.String())
	assert.Equal(t, rag.BuildPrompt(nil, "refund window"), gen.last())

	w = env.do(httptest.NewRequest(http.MethodGet, "/ask?q=hello", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", gen.last())
}

func TestMissingQuery(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	for _, path := range []string{"/ask", "/documents/query", "/documents/query?q=%20"} {
		w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.True(t, strings.HasPrefix(w.Body.String(), "Error: "), path)
	}
}

func TestUploadMissingFile(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	w := env.do(multipartRequest(t, "/api/gemini/upload", "other", map[string]string{"a.txt": "x"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/gemini/upload", strings.NewReader("plain")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Error: "))
}

func TestGeminiUploadInvalidPDF(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	w := env.do(multipartRequest(t, "/api/gemini/upload", "file", map[string]string{"report.pdf": "definitely not a pdf"}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Error: parse error"))
	assert.Zero(t, count(t, env.gemini))
}

func TestGeminiUploadAndQuery(t *testing.T) {
	gen := &fakeGenerator{}
	env := newEnv(t, gen, time.Second)

	w := env.do(multipartRequest(t, "/api/gemini/upload", "file", map[string]string{"faq.txt": "Our office opens at nine."}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Document uploaded successfully", w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/gemini/query", strings.NewReader("When does the office open?\n"))
	req.Header.Set("Content-Type", "text/plain")
	w = env.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "answer", w.Body.String())
	assert.Contains(t, gen.last(), "Our office opens at nine.")
	assert.True(t, strings.HasSuffix(gen.last(), "Question: When does the office open?"))
}

func TestGeminiUploadMultiple(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	w := env.do(multipartRequest(t, "/api/gemini/upload-multiple", "files", map[string]string{
		"a.txt": "first",
		"b.txt": "second",
	}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2 documents uploaded successfully", w.Body.String())
	assert.Equal(t, 2, count(t, env.gemini))

	w = env.do(multipartRequest(t, "/api/gemini/upload-multiple", "other", map[string]string{"c.txt": "x"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	env := newEnv(t, gen, time.Second)

	w := env.do(multipartRequest(t, "/api/gemini/upload", "file", map[string]string{"a.txt": "indexed text"}))
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/gemini/query", strings.NewReader("question"))
	w = env.do(req)
	assert.Equal(t, http.StatusFailedDependency, w.Code)
	assert.Equal(t, "Error: generation failed: quota exceeded", w.Body.String())
	assert.Equal(t, 1, count(t, env.gemini))
}

func TestRequestTimeout(t *testing.T) {
	gen := &fakeGenerator{block: true}
	env := newEnv(t, gen, 50*time.Millisecond)

	w := env.do(httptest.NewRequest(http.MethodGet, "/ask?q=slow", nil))
	assert.Equal(t, http.StatusRequestTimeout, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Error: "))
}

func TestBriefNotConfigured(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/gemini", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Error: brief is not configured", w.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: empty", models.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: bad pdf", models.ErrParse), http.StatusUnprocessableEntity},
		{models.ErrEmbeddingUnavailable, http.StatusFailedDependency},
		{models.ErrIndexUnavailable, http.StatusFailedDependency},
		{models.ErrGenerationFailed, http.StatusFailedDependency},
		{fmt.Errorf("%w: no such host", models.ErrTokenizerUnavailable), http.StatusFailedDependency},
		{workerpool.ErrQueueFull, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{rag.ErrBriefNotConfigured, http.StatusNotFound},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{errors.New("anything else"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Error: no route for GET /api/other", w.Body.String())
}

func TestPanicsAnswerWithTheSameStatus(t *testing.T) {
	env := newEnv(t, &fakeGenerator{}, time.Second)
	env.srv.router.GET("/panic/handler", func(c *gin.Context) {
		panic("nil map")
	})
	env.srv.router.GET("/panic/worker", func(c *gin.Context) {
		_, err := workerpool.Do(c.Request.Context(), env.pool, func(ctx context.Context) (string, error) {
			panic("nil map")
		})
		writeError(c, err)
	})

	handler := env.do(httptest.NewRequest(http.MethodGet, "/panic/handler", nil))
	worker := env.do(httptest.NewRequest(http.MethodGet, "/panic/worker", nil))

	assert.Equal(t, http.StatusBadRequest, handler.Code)
	assert.Equal(t, handler.Code, worker.Code)
	assert.True(t, strings.HasPrefix(handler.Body.String(), "Error: "))
	assert.True(t, strings.HasPrefix(worker.Body.String(), "Error: "))
}
