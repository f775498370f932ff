package transfer

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Method selects how outbound bytes reach the socket.
type Method string

const (
	MethodAuto     Method = "auto"
	MethodSendfile Method = "sendfile"
	MethodCopy     Method = "copy"
)

var ErrSendfileUnsupported = errors.New("sendfile not supported on this platform")

func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodAuto:
		return MethodAuto, nil
	case MethodSendfile:
		return MethodSendfile, nil
	case MethodCopy:
		return MethodCopy, nil
	default:
		return "", fmt.Errorf("unknown transfer method %q (want auto, sendfile or copy)", s)
	}
}

// BulkTransfer moves up to max bytes of the zero source into dst, always
// reading the source from offset 0. It returns the number of bytes written.
type BulkTransfer interface {
	Transfer(dst net.Conn, max int) (int, error)
	Method() Method
}

// ZeroSource is the fixed zero-filled region outbound transfers read from.
// One source is shared by every sending worker; transfers never mutate it.
type ZeroSource struct {
	size int
	buf  []byte
	file *zeroFile
}

// NewZeroSource allocates a size-byte zero region. With MethodAuto the kernel
// backed file is optional and its absence falls back to copying.
func NewZeroSource(size int, method Method) (*ZeroSource, error) {
	if size <= 0 {
		return nil, fmt.Errorf("zero source size must be > 0, got %d", size)
	}
	src := &ZeroSource{size: size}
	switch method {
	case MethodCopy:
	case MethodSendfile:
		f, err := openZeroFile(size)
		if err != nil {
			return nil, fmt.Errorf("zero source: %w", err)
		}
		src.file = f
	case MethodAuto, "":
		if f, err := openZeroFile(size); err == nil {
			src.file = f
		}
	default:
		return nil, fmt.Errorf("unknown transfer method %q", method)
	}
	if src.file == nil {
		src.buf = make([]byte, size)
	}
	return src, nil
}

func (s *ZeroSource) Size() int {
	return s.size
}

// Bulk returns the transfer implementation backed by this source.
func (s *ZeroSource) Bulk() BulkTransfer {
	if s.file != nil {
		return &sendfileTransfer{src: s.file, size: s.size}
	}
	return &copyTransfer{buf: s.buf}
}

func (s *ZeroSource) Close() error {
	if s.file != nil {
		return s.file.close()
	}
	return nil
}

// copyTransfer is the portable path: one Write from a zeroed user-space buffer.
type copyTransfer struct {
	buf []byte
}

func (t *copyTransfer) Transfer(dst net.Conn, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	if max > len(t.buf) {
		max = len(t.buf)
	}
	return dst.Write(t.buf[:max])
}

func (t *copyTransfer) Method() Method {
	return MethodCopy
}
