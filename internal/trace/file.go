package trace

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/garethgeorge/gobtff/internal/ioutil"
)

// CompressedExt marks trace files that are zstd compressed.
const CompressedExt = ".zst"

// Writer encodes ops. Close flushes; it does not close the underlying writer.
type Writer struct {
	w   io.WriteCloser
	buf []byte
	n   int
}

func NewWriter(w io.Writer) (*Writer, error) {
	tw := &Writer{w: ioutil.WithBufferedWrites(w)}
	if _, err := fmt.Fprintf(tw.w, "%s %d\n", Header, Version); err != nil {
		return nil, err
	}
	return tw, nil
}

func (w *Writer) Write(op Op) error {
	w.buf = append(w.buf[:0], byte(op.Kind), ' ')
	w.buf = strconv.AppendInt(w.buf, int64(op.Slot), 10)
	switch op.Kind {
	case Free:
	case Zeroed:
		w.buf = append(strconv.AppendUint(append(w.buf, ' '), op.Count, 10), ' ')
		w.buf = strconv.AppendUint(w.buf, op.Size, 10)
	case Aligned:
		w.buf = append(strconv.AppendUint(append(w.buf, ' '), op.Align, 10), ' ')
		w.buf = strconv.AppendUint(w.buf, op.Size, 10)
	default:
		w.buf = strconv.AppendUint(append(w.buf, ' '), op.Size, 10)
	}
	w.buf = append(w.buf, '\n')
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("write op %d: %w", w.n, err)
	}
	w.n++
	return nil
}

// Count returns the number of ops written.
func (w *Writer) Count() int {
	return w.n
}

func (w *Writer) Close() error {
	return w.w.Close()
}

// Reader decodes ops.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) (*Reader, error) {
	sc := bufio.NewScanner(ioutil.WithBufferedReads(r))
	tr := &Reader{sc: sc}
	for tr.scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(text, Header+" %d", &version); err != nil {
			return nil, fmt.Errorf("%w: line %d: missing %s header", ErrSyntax, tr.line, Header)
		}
		if version != Version {
			return nil, fmt.Errorf("trace version %d does not match supported version %d", version, Version)
		}
		return tr, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: empty trace", ErrSyntax)
}

func (r *Reader) scan() bool {
	ok := r.sc.Scan()
	if ok {
		r.line++
	}
	return ok
}

// Next returns the next op, or io.EOF after the last one.
func (r *Reader) Next() (Op, error) {
	for r.scan() {
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		op, err := Parse(text)
		if err != nil {
			return Op{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return op, nil
	}
	if err := r.sc.Err(); err != nil {
		return Op{}, err
	}
	return Op{}, io.EOF
}

// All yields every remaining op. Iteration stops at the first error, which is yielded.
func (r *Reader) All() iter.Seq2[Op, error] {
	return allOps(r.Next)
}

func allOps(next func() (Op, error)) iter.Seq2[Op, error] {
	return func(yield func(Op, error) bool) {
		for {
			op, err := next()
			if err == io.EOF {
				return
			}
			if !yield(op, err) || err != nil {
				return
			}
		}
	}
}

// Create creates a trace file, compressed when path ends in CompressedExt.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace %s: %w", path, err)
	}
	if !strings.HasSuffix(path, CompressedExt) {
		return f, nil
	}
	return compress(f)
}

// compress wraps w in a zstd encoder. Closing the result closes w.
func compress(w io.WriteCloser) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderCRC(true),
		zstd.WithEncoderConcurrency(2),
		zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return ioutil.WriterWithCloser(zw, ioutil.NewMultiCloser(zw, w)), nil
}

// Open opens a trace file written by Create.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	if !strings.HasSuffix(path, CompressedExt) {
		return f, nil
	}
	return decompress(f)
}

func decompress(r io.ReadCloser) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return ioutil.ReaderWithCloser(zr, ioutil.NewMultiCloser(ioutil.CloserFunc(func() error {
		zr.Close()
		return nil
	}), r)), nil
}

// ReadFile loads every op of a trace file, binary when IsBinary(path).
func ReadFile(path string) ([]Op, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := NewOpReader(f, IsBinary(path))
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", path, err)
	}
	var ops []Op
	for op, err := range r.All() {
		if err != nil {
			return nil, fmt.Errorf("read trace %s: %w", path, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
