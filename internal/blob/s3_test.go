package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestObjectURL(t *testing.T) {
	tests := []struct {
		base, bucket, key, want string
	}{
		{"https://cdn.example.com", "project-images", "u1/project/p1/q1.jpg", "https://cdn.example.com/project-images/u1/project/p1/q1.jpg"},
		{"https://cdn.example.com/", "b", "a b.jpg", "https://cdn.example.com/b/a%20b.jpg"},
	}
	for _, tt := range tests {
		if got := ObjectURL(tt.base, tt.bucket, tt.key); got != tt.want {
			t.Errorf("ObjectURL(%q, %q, %q) = %q, want %q", tt.base, tt.bucket, tt.key, got, tt.want)
		}
	}
}

func TestUploadPutsObject(t *testing.T) {
	var (
		mu          sync.Mutex
		method      string
		path        string
		contentType string
		body        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, contentType = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewS3(context.Background(), Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		AccessKey: "test",
		SecretKey: "test",
		PublicURL: "https://cdn.example.com",
		PathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}

	url, err := client.Upload(context.Background(), "project-images", "u1/project/p1/q1.jpg", []byte("jpeg bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn.example.com/project-images/u1/project/p1/q1.jpg" {
		t.Errorf("url = %s", url)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/project-images/u1/project/p1/q1.jpg" {
		t.Errorf("request = %s %s", method, path)
	}
	if contentType != "image/jpeg" {
		t.Errorf("content type = %q", contentType)
	}
	if len(body) == 0 {
		t.Error("empty request body")
	}
}
