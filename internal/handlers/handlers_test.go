package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/androidvision/internal/inference"
	"github.com/example/androidvision/internal/payload"
	"github.com/example/androidvision/internal/provider"
	"github.com/example/androidvision/internal/storage"
	"github.com/example/androidvision/internal/usecase"
)

const completionJSON = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"m",` +
	`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"JOHN SMITH"}}]}`

type testServer struct {
	router *gin.Engine
	store  *storage.TransientStore
	dir    string
}

func newTestServer(t *testing.T, providerHandler http.Handler, timeout time.Duration, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	providerSrv := httptest.NewServer(providerHandler)
	t.Cleanup(providerSrv.Close)

	dir := t.TempDir()
	backend, err := storage.NewDiskBackend(dir, "http://localhost:3000")
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	store := storage.NewTransientStore(backend, zap.NewNop())

	cfg := provider.Config{Credential: "tok", Endpoint: providerSrv.URL}
	dispatcher := inference.NewDispatcher(timeout, inference.Entry{Provider: provider.NewGitHub(cfg), Config: cfg})
	uc := usecase.NewVisionUseCase(store, payload.NewEncoder(0), dispatcher, nil, zap.NewNop(), usecase.Options{DefaultProvider: "github"})

	router := gin.New()
	router.MaxMultipartMemory = 1 << 20
	RegisterRoutes(router, uc, Options{MaxUploadBytes: maxUpload})
	return &testServer{router: router, store: store, dir: dir}
}

func completionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON))
	})
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) assertNoArtifacts(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("failed to read storage dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no stored artifacts, found %d", len(entries))
	}
}

// testJPEG returns a noisy JPEG of roughly 10KB.
func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 96, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 96; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * y), G: uint8(x ^ y), B: uint8(x + 3*y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body %q: %v", resp.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)

	resp := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if decodeBody(t, resp)["status"] != "ok" {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS header")
	}
}

func TestVisionExtractsText(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)
	body, contentType := buildMultipartBody(t, "image/jpeg", testJPEG(t))

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	got := decodeBody(t, resp)
	if got["result"] != "JOHN SMITH" {
		t.Fatalf("unexpected result: %v", got["result"])
	}
	url, _ := got["imageUrl"].(string)
	if !strings.HasPrefix(url, "http://localhost:3000/uploads/") {
		t.Fatalf("unexpected imageUrl: %q", url)
	}
	s.assertNoArtifacts(t)
}

func TestVisionWithoutImage(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("note", "no file here"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := s.do(req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if decodeBody(t, resp)["error"] != usecase.MessageNoImage {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	s.assertNoArtifacts(t)
}

func TestVisionRejectsEmptyImage(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)
	body, contentType := buildMultipartBody(t, "image/jpeg", nil)

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if decodeBody(t, resp)["error"] != usecase.MessageNoImage {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	s.assertNoArtifacts(t)
}

func TestVisionRejectsLargeUpload(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 1024)
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 1025))

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	s.assertNoArtifacts(t)
}

func TestVisionRejectsLargeBodyByContentLength(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 1024)
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 2*multipartOverhead))

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestVisionRejectsLargeBodyWithoutContentLength(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 1024)
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 2*multipartOverhead))

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = -1
	resp := s.do(req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	s.assertNoArtifacts(t)
}

func TestVisionRejectsNonImage(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	s.assertNoArtifacts(t)
}

func TestVisionProviderTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	s := newTestServer(t, slow, 50*time.Millisecond, 0)
	defer close(release)
	body, contentType := buildMultipartBody(t, "image/jpeg", testJPEG(t))

	req := httptest.NewRequest(http.MethodPost, "/vision", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	msg, _ := decodeBody(t, resp)["error"].(string)
	if !strings.Contains(msg, "timed out") {
		t.Fatalf("expected timeout message, got %q", msg)
	}
	s.assertNoArtifacts(t)
}

func TestVisionCompletionWithoutContent(t *testing.T) {
	bodies := map[string]string{
		"missing message": `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"m","choices":[{"index":0}]}`,
		"missing content": `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"m","choices":[{"index":0,"message":{"role":"assistant"}}]}`,
	}
	for name, completion := range bodies {
		completion := completion
		t.Run(name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(completion))
			})
			s := newTestServer(t, handler, time.Second, 0)
			body, contentType := buildMultipartBody(t, "image/jpeg", testJPEG(t))

			req := httptest.NewRequest(http.MethodPost, "/vision", body)
			req.Header.Set("Content-Type", contentType)
			resp := s.do(req)

			if resp.Code != http.StatusInternalServerError {
				t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
			}
			msg, _ := decodeBody(t, resp)["error"].(string)
			if !strings.Contains(msg, "without a completion") {
				t.Fatalf("expected missing completion message, got %q", msg)
			}
			s.assertNoArtifacts(t)
		})
	}
}

func TestVisionUnknownProvider(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)
	body, contentType := buildMultipartBody(t, "image/jpeg", testJPEG(t))

	req := httptest.NewRequest(http.MethodPost, "/vision?provider=bedrock", body)
	req.Header.Set("Content-Type", contentType)
	resp := s.do(req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	s.assertNoArtifacts(t)
}

func TestVisionConcurrentUploadsDoNotCollide(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)
	jpegBytes := testJPEG(t)

	const uploads = 8
	var wg sync.WaitGroup
	codes := make([]int, uploads)
	urls := make([]string, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			part, _ := writer.CreateFormFile(FieldImage, "same-name.jpg")
			_, _ = part.Write(jpegBytes)
			_ = writer.Close()

			req := httptest.NewRequest(http.MethodPost, "/vision", body)
			req.Header.Set("Content-Type", writer.FormDataContentType())
			resp := s.do(req)
			codes[i] = resp.Code
			var decoded struct {
				ImageURL string `json:"imageUrl"`
			}
			_ = json.Unmarshal(resp.Body.Bytes(), &decoded)
			urls[i] = decoded.ImageURL
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range codes {
		if codes[i] != http.StatusOK {
			t.Fatalf("upload %d: expected status %d, got %d", i, http.StatusOK, codes[i])
		}
		if seen[urls[i]] {
			t.Fatalf("duplicate image url %s", urls[i])
		}
		seen[urls[i]] = true
	}
	s.assertNoArtifacts(t)
}

func TestUploadsServesOnlyLiveArtifacts(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)
	artifact, err := s.store.Save(context.Background(), bytes.NewReader([]byte("jpeg")), "live.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("failed to save artifact: %v", err)
	}

	resp := s.do(httptest.NewRequest(http.MethodGet, "/uploads/"+artifact.Name, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if resp.Body.String() != "jpeg" || resp.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected artifact response: %q %s", resp.Body.String(), resp.Header().Get("Content-Type"))
	}

	s.store.Delete(context.Background(), artifact)
	resp = s.do(httptest.NewRequest(http.MethodGet, "/uploads/"+artifact.Name, nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d after delete, got %d", http.StatusNotFound, resp.Code)
	}

	resp = s.do(httptest.NewRequest(http.MethodGet, "/uploads/.env", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for traversal, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestMetricsSummaryDisabledWithoutAuditLog(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)

	resp := s.do(httptest.NewRequest(http.MethodGet, "/metrics/summary", nil))

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, completionHandler(), time.Second, 0)

	req := httptest.NewRequest(http.MethodOptions, "/vision", nil)
	req.Header.Set("Origin", "http://192.168.1.20:8081")
	resp := s.do(req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS header")
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload.jpg"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
