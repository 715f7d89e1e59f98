package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/billvoice/internal/chat"
)

func TestWebhook_Autofill(t *testing.T) {
	t.Parallel()

	var got chat.BillInfo
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	wh := NewWebhook(srv.URL, nil)
	if err := wh.Autofill(context.Background(), chat.BillInfo{"patientName": "Jane Doe"}); err != nil {
		t.Fatalf("Autofill: %v", err)
	}
	if got["patientName"] != "Jane Doe" {
		t.Errorf("posted bill = %v", got)
	}
}

func TestWebhook_RejectsErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	if err := NewWebhook(srv.URL, nil).Autofill(context.Background(), chat.BillInfo{"a": "b"}); err == nil {
		t.Error("Autofill succeeded on 502")
	}
}

func TestPrinter_Autofill(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	err := p.Autofill(context.Background(), chat.BillInfo{
		"serviceDate": "2025-03-02",
		"patientName": "Jane Doe",
		"services":    []any{map[string]any{"serviceCode": "A001"}},
	})
	if err != nil {
		t.Fatalf("Autofill: %v", err)
	}
	out := buf.String()
	if i, j := strings.Index(out, "patientName"), strings.Index(out, "serviceDate"); i < 0 || j < 0 || i > j {
		t.Errorf("fields not printed in key order:\n%s", out)
	}
	if !strings.Contains(out, `services: [{"serviceCode":"A001"}]`) {
		t.Errorf("services not rendered as JSON:\n%s", out)
	}
	if !strings.Contains(out, "missing: ohipNumber") {
		t.Errorf("missing fields not printed:\n%s", out)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	t.Parallel()
	errA := errors.New("a failed")
	calls := 0
	m := Multi{
		chat.AutofillFunc(func(context.Context, chat.BillInfo) error { calls++; return errA }),
		chat.AutofillFunc(func(context.Context, chat.BillInfo) error { calls++; return nil }),
	}
	err := m.Autofill(context.Background(), chat.BillInfo{"x": "y"})
	if !errors.Is(err, errA) {
		t.Errorf("err = %v; want %v", err, errA)
	}
	if calls != 2 {
		t.Errorf("calls = %d; want 2", calls)
	}
}
