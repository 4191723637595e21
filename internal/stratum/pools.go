// Package stratum implements the Stratum V1 side of the bridge: line
// framing, the per-connection outbound queue and worker session state.
package stratum

import (
	"bytes"
	"sync"
)

// initialLineBuffer is the starting scanner buffer; lines may grow up to
// the configured maximum.
const initialLineBuffer = 4096

// Object pools for hot path optimizations
var (
	// lineBufferPool reuses scanner buffers across connections
	lineBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, initialLineBuffer)
			return &b
		},
	}

	// writeBufferPool reuses the buffer each write batch is joined into
	writeBufferPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}
)

// getLineBuffer gets a scanner buffer from the pool
func getLineBuffer() *[]byte {
	return lineBufferPool.Get().(*[]byte)
}

// putLineBuffer returns a scanner buffer to the pool
func putLineBuffer(buf *[]byte) {
	if buf != nil && cap(*buf) == initialLineBuffer {
		lineBufferPool.Put(buf)
	}
}

// getWriteBuffer gets an empty write buffer from the pool
func getWriteBuffer() *bytes.Buffer {
	buf := writeBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putWriteBuffer returns a write buffer to the pool. Oversized buffers are
// left for the garbage collector.
func putWriteBuffer(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() <= 64*1024 {
		writeBufferPool.Put(buf)
	}
}

// encodeLine marshals msg and appends the line terminator.
func encodeLine(msg *Message) ([]byte, error) {
	data, err := MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
