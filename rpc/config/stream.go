package config

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
)

// delimiter terminates every document of the streaming endpoint
var delimiter = []byte("\n\n\n\n")

// EventKind distinguishes topology updates from stream disconnects.
type EventKind uint8

const (
	// EventUpdate carries a new partition map
	EventUpdate EventKind = iota
	// EventDisconnected reports that the stream broke; the current map may
	// be stale until the next update
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventDisconnected {
		return "disconnected"
	}
	return "update"
}

// Event is one notification of a subscription.
type Event struct {
	Kind EventKind
	// Map is set for EventUpdate
	Map *vbmap.PartitionMap
	// Err is the reason of an EventDisconnected
	Err error
}

// eventBuffer is the capacity of the subscription channel. A slow consumer
// blocks the stream reader rather than losing updates.
const eventBuffer = 8

// Subscribe streams partition maps until ctx is cancelled, then closes the
// returned channel. When the stream breaks it emits EventDisconnected,
// re-bootstraps with the FetchInitial retry policy (emitting the fetched map
// as an update) and reconnects the stream. Errors never end the
// subscription.
func (s *Source) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, eventBuffer)
	go s.run(ctx, out)
	return out
}

func (s *Source) run(ctx context.Context, out chan<- Event) {
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	failures := 0
	for ctx.Err() == nil {
		ep := s.pickEndpoint()
		received, err := s.streamFrom(ctx, ep, emit)
		if ctx.Err() != nil {
			return
		}
		if received > 0 {
			failures = 0
		}
		failures++

		Logger.Warningf("Configuration stream from %s ended after %d updates: %v", ep.Host, received, err)
		if !emit(Event{Kind: EventDisconnected, Err: err}) {
			return
		}

		m, err := s.FetchInitial(ctx)
		switch {
		case err == nil:
			if !emit(Event{Kind: EventUpdate, Map: m}) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			Logger.Errorf("Re-bootstrap after stream loss failed: %v", err)
		}

		if sleep(ctx, s.backoff(failures)) != nil {
			return
		}
	}
}

// streamFrom reads documents from the streaming endpoint of ep until the
// stream ends. It returns the number of maps emitted.
func (s *Source) streamFrom(ctx context.Context, ep *url.URL, emit func(Event) bool) (int, error) {
	resp, err := s.do(ctx, s.stream, ep, bucketStreamingPath)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	Logger.Debugf("Streaming configuration of bucket %q from %s", s.cfg.Bucket, ep.Host)

	received := 0
	err = scanDocuments(resp.Body, func(doc []byte) bool {
		m, err := vbmap.ParseBucketConfig(doc, ep.Hostname())
		switch {
		case errors.Is(err, vbmap.ErrNoPartitions):
			Logger.Debugf("Ignoring streamed configuration without partitions")
			return true
		case err != nil:
			Logger.Errorf("Ignoring unparsable streamed configuration: %v", err)
			return true
		}
		received++
		return emit(Event{Kind: EventUpdate, Map: m})
	})
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return received, err
}

// scanDocuments splits r on the delimiter and calls fn for every non-empty
// document. A trailing document without delimiter is incomplete and
// dropped. It stops early when fn returns false.
func scanDocuments(r io.Reader, fn func(doc []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDocumentSize)
	scanner.Split(splitDocuments)

	for scanner.Scan() {
		doc := bytes.TrimSpace(scanner.Bytes())
		if len(doc) == 0 {
			continue
		}
		if !fn(doc) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading configuration stream: %w", err)
	}
	return nil
}

// splitDocuments is a bufio.SplitFunc for delimiter terminated documents
func splitDocuments(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, delimiter); i >= 0 {
		return i + len(delimiter), data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
