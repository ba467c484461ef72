// Package watchstream decodes the newline-delimited JSON body of a Kubernetes
// watch response into typed events.
package watchstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
)

// Types lists every event type a watch stream may carry.
var Types = []watch.EventType{watch.Added, watch.Modified, watch.Deleted, watch.Bookmark, watch.Error}

// Event is one decoded line of a watch stream. Object is set for ADDED,
// MODIFIED, DELETED and BOOKMARK; Status is set for ERROR.
type Event[T any] struct {
	Type   watch.EventType
	Object *T
	Status *metav1.Status
}

// Decode returns a forward-only sequence of the events in body. A record is
// decoded once its terminating newline has been read, independent of how the
// transport chunks the bytes.
//
// The sequence ends without error when the stream ends; a trailing record
// without its newline is discarded. A read or decode
// failure is yielded once and ends the sequence. body is closed when the
// sequence ends for any reason, including the consumer breaking out early.
func Decode[T any](body io.ReadCloser) iter.Seq2[Event[T], error] {
	return func(yield func(Event[T], error) bool) {
		defer body.Close()

		r := bufio.NewReader(body)
		for {
			line, err := r.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				// A record cut off by the end of the stream is never complete.
				return
			}
			if err != nil {
				yield(Event[T]{}, fault.Transport("watch read", err))
				return
			}

			if line = bytes.TrimSpace(line); len(line) > 0 {
				evt, derr := decodeLine[T](line)
				if derr != nil {
					yield(Event[T]{}, derr)
					return
				}
				if !yield(evt, nil) {
					return
				}
			}
		}
	}
}

func decodeLine[T any](line []byte) (Event[T], error) {
	var envelope metav1.WatchEvent
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event[T]{}, fault.Protocol("watch decode", err)
	}
	if len(envelope.Object.Raw) == 0 {
		return Event[T]{}, fault.Protocolf("watch decode", "%s event without object", envelope.Type)
	}

	evt := Event[T]{Type: watch.EventType(envelope.Type)}
	switch evt.Type {
	case watch.Added, watch.Modified, watch.Deleted, watch.Bookmark:
		obj := new(T)
		if err := json.Unmarshal(envelope.Object.Raw, obj); err != nil {
			return Event[T]{}, fault.Protocol("watch decode", err)
		}
		evt.Object = obj
	case watch.Error:
		status := &metav1.Status{}
		if err := json.Unmarshal(envelope.Object.Raw, status); err != nil {
			return Event[T]{}, fault.Protocol("watch decode", err)
		}
		evt.Status = status
	default:
		return Event[T]{}, fault.Protocolf("watch decode", "unknown event type %q", envelope.Type)
	}
	return evt, nil
}
