// Package ioutil holds the buffered and fan-out writers used for trace files.
package ioutil

import (
	"bufio"
	"io"
)

const DefaultBufioSize = 64 * 1024 // 64KB

// WithBufferedWrites buffers w. Close flushes but does not close w.
func WithBufferedWrites(w io.Writer) io.WriteCloser {
	bufw := bufio.NewWriterSize(w, DefaultBufioSize)
	return WriterWithCloser(bufw, CloserFunc(bufw.Flush))
}

func WithBufferedReads(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, DefaultBufioSize)
}
