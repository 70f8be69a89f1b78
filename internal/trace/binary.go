package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/garethgeorge/gobtff/internal/ioutil"
)

// BinaryExt marks binary trace files. It comes before CompressedExt, as in "w.bin.zst".
const BinaryExt = ".bin"

// A binary trace is a sequence of records, each a 2-byte little endian length followed by a
// protobuf wire format message. The first record is the header.
const (
	headerName    protowire.Number = 1
	headerVersion protowire.Number = 2

	opKind  protowire.Number = 1
	opSlot  protowire.Number = 2
	opSize  protowire.Number = 3
	opCount protowire.Number = 4
	opAlign protowire.Number = 5
)

var ErrRecordTooLarge = errors.New("trace: record > 65535 bytes")

// OpWriter is implemented by the text Writer and BinaryWriter.
type OpWriter interface {
	Write(op Op) error
	Count() int
	Close() error
}

// OpReader is implemented by the text Reader and BinaryReader.
type OpReader interface {
	Next() (Op, error)
	All() iter.Seq2[Op, error]
}

var (
	_ OpWriter = (*Writer)(nil)
	_ OpWriter = (*BinaryWriter)(nil)
	_ OpReader = (*Reader)(nil)
	_ OpReader = (*BinaryReader)(nil)
)

// IsBinary reports whether path names a binary trace.
func IsBinary(path string) bool {
	return strings.HasSuffix(strings.TrimSuffix(path, CompressedExt), BinaryExt)
}

// NewOpWriter returns a binary or text writer over w.
func NewOpWriter(w io.Writer, binary bool) (OpWriter, error) {
	if binary {
		return NewBinaryWriter(w)
	}
	return NewWriter(w)
}

func NewOpReader(r io.Reader, binary bool) (OpReader, error) {
	if binary {
		return NewBinaryReader(r)
	}
	return NewReader(r)
}

// BinaryWriter encodes ops as length prefixed records. Close flushes; it does not close the
// underlying writer.
type BinaryWriter struct {
	w   io.WriteCloser
	buf []byte
	n   int
}

func NewBinaryWriter(w io.Writer) (*BinaryWriter, error) {
	bw := &BinaryWriter{w: ioutil.WithBufferedWrites(w), buf: make([]byte, 0, 64)}
	rec := protowire.AppendTag(nil, headerName, protowire.BytesType)
	rec = protowire.AppendString(rec, Header)
	rec = protowire.AppendTag(rec, headerVersion, protowire.VarintType)
	rec = protowire.AppendVarint(rec, Version)
	if err := bw.writeRecord(rec); err != nil {
		return nil, err
	}
	return bw, nil
}

func (w *BinaryWriter) writeRecord(rec []byte) error {
	if len(rec) >= 1<<16 {
		return ErrRecordTooLarge
	}
	var sizeBuf [2]byte
	binary.LittleEndian.PutUint16(sizeBuf[:], uint16(len(rec)))
	if _, err := w.w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.w.Write(rec)
	return err
}

func (w *BinaryWriter) Write(op Op) error {
	b := protowire.AppendTag(w.buf[:0], opKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	b = protowire.AppendTag(b, opSlot, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Slot))
	for _, f := range [...]struct {
		num protowire.Number
		v   uint64
	}{{opSize, op.Size}, {opCount, op.Count}, {opAlign, op.Align}} {
		if f.v != 0 {
			b = protowire.AppendTag(b, f.num, protowire.VarintType)
			b = protowire.AppendVarint(b, f.v)
		}
	}
	w.buf = b
	if err := w.writeRecord(b); err != nil {
		return fmt.Errorf("write op %d: %w", w.n, err)
	}
	w.n++
	return nil
}

func (w *BinaryWriter) Count() int {
	return w.n
}

func (w *BinaryWriter) Close() error {
	return w.w.Close()
}

// BinaryReader decodes records written by BinaryWriter.
type BinaryReader struct {
	r   io.Reader
	buf []byte
	rec int
}

func NewBinaryReader(r io.Reader) (*BinaryReader, error) {
	br := &BinaryReader{r: ioutil.WithBufferedReads(r), buf: make([]byte, 64)}
	rec, err := br.readRecord()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty trace", ErrSyntax)
	}
	if err != nil {
		return nil, err
	}

	var name string
	var version uint64
	err = consumeFields(rec, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == headerName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			name = v
			return n
		case num == headerVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			version = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil || name != Header {
		return nil, fmt.Errorf("%w: record 0: missing %s header", ErrSyntax, Header)
	}
	if version != Version {
		return nil, fmt.Errorf("trace version %d does not match supported version %d", version, Version)
	}
	return br, nil
}

// readRecord returns the next record, valid until the next call. A clean end of input is
// io.EOF; a record cut short is io.ErrUnexpectedEOF.
func (r *BinaryReader) readRecord() ([]byte, error) {
	var sizeBuf [2]byte
	if _, err := io.ReadFull(r.r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
	if cap(r.buf) < size {
		r.buf = make([]byte, max(size, cap(r.buf)*2))
	}
	rec := r.buf[:size]
	if _, err := io.ReadFull(r.r, rec); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	r.rec++
	return rec, nil
}

// consumeFields calls field for every field of the message in b. field returns the length of
// the value it consumed, or a negative protowire error.
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n = field(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// Next returns the next op, or io.EOF after the last one.
func (r *BinaryReader) Next() (Op, error) {
	rec, err := r.readRecord()
	if err == io.EOF {
		return Op{}, io.EOF
	}
	if err != nil {
		return Op{}, fmt.Errorf("record %d: %w", r.rec, err)
	}

	var op Op
	err = consumeFields(rec, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case opKind:
			op.Kind = Kind(v)
		case opSlot:
			op.Slot = int(v)
		case opSize:
			op.Size = v
		case opCount:
			op.Count = v
		case opAlign:
			op.Align = v
		}
		return n
	})
	if err != nil {
		return Op{}, fmt.Errorf("%w: record %d: %w", ErrSyntax, r.rec, err)
	}
	if err := op.validate(); err != nil {
		return Op{}, fmt.Errorf("record %d: %w", r.rec, err)
	}
	return op, nil
}

func (r *BinaryReader) All() iter.Seq2[Op, error] {
	return allOps(r.Next)
}
