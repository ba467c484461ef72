package watchstream

import (
	"errors"
	"io"
	"iter"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestDecodeSplitRecords(t *testing.T) {
	pr, pw := io.Pipe()
	next, stop := iter.Pull2(Decode[corev1.Namespace](pr))
	defer stop()

	go func() {
		_, _ = pw.Write([]byte(`{"type":"ADDED","object":{"metadata":{"name":"a","resourceVersion":"10"}}}` + "\n" + `{"type":"DEL`))
	}()

	evt, err, ok := next()
	if !ok || err != nil {
		t.Fatalf("expected first event, got ok=%v err=%v", ok, err)
	}
	if evt.Type != watch.Added || evt.Object.Name != "a" {
		t.Fatalf("unexpected first event %+v", evt)
	}

	// The second record is only complete once the rest of it arrives.
	go func() {
		_, _ = pw.Write([]byte(`ETED","object":{"metadata":{"name":"a","resourceVersion":"11"}}}` + "\n"))
		_ = pw.Close()
	}()

	evt, err, ok = next()
	if !ok || err != nil {
		t.Fatalf("expected second event, got ok=%v err=%v", ok, err)
	}
	if evt.Type != watch.Deleted || evt.Object.Name != "a" || evt.Object.ResourceVersion != "11" {
		t.Fatalf("unexpected second event %+v", evt)
	}

	if _, err, ok = next(); ok {
		t.Fatalf("expected end of stream, got err=%v", err)
	}
}

func TestDecodeAllTypes(t *testing.T) {
	body := strings.Join([]string{
		`{"type":"ADDED","object":{"apiVersion":"v1","kind":"ConfigMap","metadata":{"name":"x"}}}`,
		`{"type":"MODIFIED","object":{"apiVersion":"v1","kind":"ConfigMap","metadata":{"name":"x"}}}`,
		``,
		`{"type":"BOOKMARK","object":{"apiVersion":"v1","kind":"ConfigMap","metadata":{"resourceVersion":"99"}}}`,
		`{"type":"DELETED","object":{"apiVersion":"v1","kind":"ConfigMap","metadata":{"name":"x"}}}`,
		`{"type":"ERROR","object":{"kind":"Status","apiVersion":"v1","status":"Failure","reason":"Expired","code":410}}`,
	}, "\n") + "\n"

	var types []watch.EventType
	for evt, err := range Decode[unstructured.Unstructured](io.NopCloser(strings.NewReader(body))) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		types = append(types, evt.Type)
		switch evt.Type {
		case watch.Error:
			if evt.Status == nil || evt.Status.Code != 410 {
				t.Fatalf("expected 410 status, got %+v", evt.Status)
			}
		case watch.Bookmark:
			if evt.Object.GetResourceVersion() != "99" {
				t.Fatalf("expected bookmark resourceVersion 99, got %q", evt.Object.GetResourceVersion())
			}
		default:
			if evt.Object.GetName() != "x" {
				t.Fatalf("expected object x, got %q", evt.Object.GetName())
			}
		}
	}

	want := []watch.EventType{watch.Added, watch.Modified, watch.Bookmark, watch.Deleted, watch.Error}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestDecodeTypesExhaustive(t *testing.T) {
	for _, typ := range Types {
		line := `{"type":"` + string(typ) + `","object":{"metadata":{"name":"n"}}}`
		if _, err := decodeLine[corev1.Namespace]([]byte(line)); err != nil {
			t.Errorf("type %s not handled: %v", typ, err)
		}
	}
}

func TestDecodeErrorsStopSequence(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: "{\"type\":\n"},
		{name: "unknown type", body: `{"type":"RENAMED","object":{}}` + "\n"},
		{name: "missing object", body: `{"type":"ADDED"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &closeTracker{Reader: strings.NewReader(tt.body + `{"type":"ADDED","object":{"metadata":{"name":"after"}}}` + "\n")}
			var errs, events int
			for _, err := range Decode[corev1.Namespace](body) {
				if err != nil {
					errs++
					if !fault.IsProtocol(err) {
						t.Fatalf("expected protocol error, got %v", err)
					}
					continue
				}
				events++
			}
			if errs != 1 || events != 0 {
				t.Fatalf("expected exactly one error and no events, got %d errors %d events", errs, events)
			}
			if !body.closed {
				t.Fatal("body not closed")
			}
		})
	}
}

func TestDecodeDropsUnterminatedTail(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader(`{"type":"ADDED","object":{"metadata":{"name":"a"}}}` + "\n" + `{"type":"MODIFIED","object":{"meta`)}
	var names []string
	for evt, err := range Decode[corev1.Namespace](body) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		names = append(names, evt.Object.Name)
	}
	if len(names) != 1 || names[0] != "a" {
		t.Fatalf("expected only the complete record, got %v", names)
	}
	if !body.closed {
		t.Fatal("body not closed")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestDecodeReadFailureIsTransport(t *testing.T) {
	for _, err := range Decode[corev1.Namespace](io.NopCloser(failingReader{})) {
		if !fault.IsTransport(err) {
			t.Fatalf("expected transport error, got %v", err)
		}
	}
}

func TestDecodeEarlyBreakClosesBody(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader(strings.Repeat(`{"type":"ADDED","object":{"metadata":{"name":"a"}}}`+"\n", 3))}
	for range Decode[corev1.Namespace](body) {
		break
	}
	if !body.closed {
		t.Fatal("expected body to be closed after early break")
	}
}
