package dictation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewOpenAI_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := NewOpenAI("", ""); err == nil {
		t.Error("NewOpenAI with empty key succeeded")
	}
}

func TestOpenAI_Transcribe(t *testing.T) {
	t.Parallel()

	var (
		gotModel, gotLang, gotAuth string
		gotFile                    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		f, _, err := r.FormFile("file")
		if err == nil {
			gotFile, _ = io.ReadAll(f)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"  OHIP number 1234 567 890  "}`)
	}))
	t.Cleanup(srv.Close)

	tr, err := NewOpenAI("sk-test", "", WithBaseURL(srv.URL), WithLanguage("en"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "OHIP number 1234 567 890" {
		t.Errorf("text = %q", text)
	}
	if gotModel != DefaultModel {
		t.Errorf("model = %q; want %q", gotModel, DefaultModel)
	}
	if gotLang != "en" {
		t.Errorf("language = %q; want en", gotLang)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if string(gotFile) != "RIFFdata" {
		t.Errorf("file = %q; want RIFFdata", gotFile)
	}
}

func TestOpenAI_TranscribeError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	tr, err := NewOpenAI("sk-bad", "whisper-1", WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), []byte("RIFF")); err == nil {
		t.Fatal("Transcribe succeeded; want error")
	}
}
