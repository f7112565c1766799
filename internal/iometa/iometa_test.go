package iometa

import (
	"bytes"
	"io"
	"testing"
)

func TestZeroReaderRead(t *testing.T) {
	r := &ZeroReader{Size: 5}

	buf := make([]byte, 3)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 || !bytes.Equal(buf, []byte{0, 0, 0}) {
		t.Fatalf("Read() = (%d, %v), want 3 zero bytes", n, buf)
	}

	n, err = r.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF on final read, got %v", err)
	}
	if n != 2 {
		t.Fatalf("final Read() = %d, want 2", n)
	}
}

func TestZeroReaderSeek(t *testing.T) {
	r := &ZeroReader{Size: 10}

	if _, err := r.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.offset != 4 {
		t.Fatalf("offset = %d, want 4", r.offset)
	}

	if _, err := r.Seek(2, io.SeekCurrent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.offset != 6 {
		t.Fatalf("offset = %d, want 6", r.offset)
	}

	if _, err := r.Seek(0, io.SeekEnd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.offset != 10 {
		t.Fatalf("offset = %d, want 10", r.offset)
	}

	if _, err := r.Seek(0, 99); err != errInvalidWhence {
		t.Fatalf("expected errInvalidWhence, got %v", err)
	}
}

func TestWriteZeros(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteZeros(buf, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := make([]byte, 8)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("WriteZeros wrote %v, want 8 zero bytes", buf.Bytes())
	}
}

func TestCountingWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	cw := &CountingWriter{Writer: buf}

	if _, err := cw.Write([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cw.Write([]byte("!!")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cw.BytesWritten(); got != 7 {
		t.Fatalf("BytesWritten() = %d, want 7", got)
	}
	if buf.String() != "hello!!" {
		t.Fatalf("underlying writer got %q, want %q", buf.String(), "hello!!")
	}
}

func TestClosifier(t *testing.T) {
	c := &Closifier{Reader: bytes.NewReader([]byte("data"))}

	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "data" {
		t.Fatalf("ReadAll = %q, want %q", b, "data")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
}
