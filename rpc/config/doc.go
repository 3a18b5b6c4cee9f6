// Package config loads partition maps from the configuration service.
//
// FetchInitial performs a bootstrap: GET /pools/default/buckets/<bucket>
// against the configured endpoints with bounded exponential backoff.
// Subscribe keeps a chunked GET /pools/default/bucketsStreaming/<bucket>
// open and emits one Event per document; documents are terminated by four
// newlines. Stream loss is reported as EventDisconnected, followed by a new
// bootstrap, and is never fatal.
package config
