package chat

import (
	"context"
	"encoding/json"
	"maps"
	"strings"
)

// BillInfo is the structured billing data the assistant extracted, e.g.
//
//	{"patientName":"Jane Doe","ohipNumber":"1234-567-890","serviceDate":"2025-03-02",
//	 "services":[{"serviceName":"Minor assessment","serviceCode":"A001","unitPrice":23.75}]}
//
// Validation and rendering belong to the bill form.
type BillInfo map[string]any

// RequiredFields are the bill fields reported as missing when empty.
var RequiredFields = []string{"patientName", "ohipNumber", "serviceDate", "services"}

// Clone returns a shallow copy.
func (b BillInfo) Clone() BillInfo {
	if b == nil {
		return nil
	}
	return maps.Clone(b)
}

// Missing returns the required fields that are absent or empty in b.
func (b BillInfo) Missing() []string {
	var out []string
	for _, f := range RequiredFields {
		if isEmpty(b[f]) {
			out = append(out, f)
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// ExtractReply splits an assistant reply into the natural-language part and
// the trailing structured bill object. The text ends at the first "---"
// separator, or else at the first "{". bill is nil when the reply carries no
// parseable JSON object.
func ExtractReply(reply string) (text string, bill BillInfo) {
	if reply == "" {
		return "", nil
	}
	switch {
	case strings.Contains(reply, "---"):
		text = reply[:strings.Index(reply, "---")]
	case strings.Contains(reply, "{"):
		text = reply[:strings.Index(reply, "{")]
	default:
		text = reply
	}
	return strings.TrimSpace(text), ParseBill(reply)
}

// ParseBill finds the outermost JSON object in s and decodes it. It returns
// nil when there is none or it does not decode to a non-empty object.
func ParseBill(s string) BillInfo {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil
	}
	var bill BillInfo
	if err := json.Unmarshal([]byte(s[start:end+1]), &bill); err != nil || len(bill) == 0 {
		return nil
	}
	return bill
}

// Autofill receives the latest structured bill data. It is the bill form's
// side of the conversation.
type Autofill interface {
	Autofill(ctx context.Context, bill BillInfo) error
}

// AutofillFunc adapts a function to [Autofill].
type AutofillFunc func(ctx context.Context, bill BillInfo) error

// Autofill implements [Autofill].
func (f AutofillFunc) Autofill(ctx context.Context, bill BillInfo) error { return f(ctx, bill) }
