// Package ingest turns an unreliable byte stream into dispatched frames.
//
// An Engine owns one fixed buffer for its lifetime. Each Feed appends a chunk, decodes
// every complete frame it can find, hands each to the handler subscribed for its index
// and shifts any trailing partial frame to the front of the buffer. Malformed frames are
// logged and skipped through their delimiter so the stream resynchronises on the next one.
package ingest
