package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
)

// Webhook posts extracted bill data as JSON to the bill form service.
type Webhook struct {
	url    string
	client *http.Client
}

var _ chat.Autofill = (*Webhook)(nil)

// NewWebhook returns an Autofill that POSTs to url.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

// Autofill implements [chat.Autofill].
func (w *Webhook) Autofill(ctx context.Context, bill chat.BillInfo) error {
	body, err := json.Marshal(bill)
	if err != nil {
		return fmt.Errorf("assistant: encode bill: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("assistant: build autofill request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("assistant: autofill: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("assistant: autofill: unexpected status %s", resp.Status)
	}
	return nil
}

// Printer writes each bill to an io.Writer, one "key: value" line per field
// in key order. It is the console's bill form.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

var _ chat.Autofill = (*Printer)(nil)

// NewPrinter returns a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Autofill implements [chat.Autofill].
func (p *Printer) Autofill(_ context.Context, bill chat.BillInfo) error {
	var b strings.Builder
	b.WriteString("── bill ──\n")
	keys := make([]string, 0, len(bill))
	for k := range bill {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := bill[k]
		switch v.(type) {
		case string:
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("assistant: print bill: %w", err)
			}
			fmt.Fprintf(&b, "  %s: %s\n", k, raw)
		}
	}
	if missing := bill.Missing(); len(missing) > 0 {
		fmt.Fprintf(&b, "  missing: %s\n", strings.Join(missing, ", "))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.out, b.String())
	return err
}

// Multi fans one bill out to several Autofill targets and joins their
// errors.
type Multi []chat.Autofill

// Autofill implements [chat.Autofill].
func (m Multi) Autofill(ctx context.Context, bill chat.BillInfo) error {
	var errs []error
	for _, a := range m {
		if err := a.Autofill(ctx, bill); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
