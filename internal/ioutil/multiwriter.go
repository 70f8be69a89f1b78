package ioutil

import (
	"io"

	"golang.org/x/sync/errgroup"
)

// ParallelMultiWriter creates a writer that copies everything to each of writers, each one fed
// by its own goroutine through a pipe. Writes are buffered, so errors from the writers surface
// on Close, which flushes, closes the pipes and waits for every copy to finish.
//
// A writer that fails stops receiving data; the others keep going.
func ParallelMultiWriter(writers ...io.Writer) io.WriteCloser {
	if len(writers) == 0 {
		return WriterWithCloser(io.Discard, NewMultiCloser())
	}
	if len(writers) == 1 {
		return WithBufferedWrites(writers[0])
	}

	var eg errgroup.Group
	var pipeWriters []io.Writer
	var pipeClosers []io.Closer

	for _, w := range writers {
		pr, pw := io.Pipe()
		pipeWriters = append(pipeWriters, &dropOnError{w: pw})
		pipeClosers = append(pipeClosers, pw)
		eg.Go(func() error {
			buffer := make([]byte, DefaultBufioSize)
			_, err := io.CopyBuffer(w, pr, buffer)
			// Unblock the writing side once this copy gave up.
			pr.CloseWithError(err)
			return err
		})
	}

	multiwriter := WithBufferedWrites(io.MultiWriter(pipeWriters...))
	closers := append([]io.Closer{multiwriter}, pipeClosers...)
	closers = append(closers, CloserFunc(eg.Wait))
	return WriterWithCloser(multiwriter, NewMultiCloser(closers...))
}

// dropOnError swallows writes after the first failure so io.MultiWriter keeps feeding the
// remaining writers. The failure itself is reported by the copying goroutine.
type dropOnError struct {
	w      io.Writer
	failed bool
}

func (d *dropOnError) Write(p []byte) (int, error) {
	if d.failed {
		return len(p), nil
	}
	if _, err := d.w.Write(p); err != nil {
		d.failed = true
	}
	return len(p), nil
}
