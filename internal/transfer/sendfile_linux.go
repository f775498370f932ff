//go:build linux

package transfer

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// zeroFile is a sparse memfd; reads from it are zeros without touching RAM.
type zeroFile struct {
	f  *os.File
	fd int
}

func openZeroFile(size int) (*zeroFile, error) {
	fd, err := unix.MemfdCreate("fbpace-zero", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("ftruncate", err)
	}
	return &zeroFile{f: os.NewFile(uintptr(fd), "fbpace-zero"), fd: fd}, nil
}

func (z *zeroFile) close() error {
	return z.f.Close()
}

// sendfileTransfer moves bytes kernel-side with sendfile(2). The offset is a
// per-call local, so concurrent workers share the file without coordination.
type sendfileTransfer struct {
	src  *zeroFile
	size int
}

func (t *sendfileTransfer) Transfer(dst net.Conn, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	if max > t.size {
		max = t.size
	}
	sc, ok := dst.(syscall.Conn)
	if !ok {
		return 0, ErrSendfileUnsupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var written int
	var opErr error
	err = raw.Write(func(fd uintptr) bool {
		for {
			var offset int64
			written, opErr = unix.Sendfile(int(fd), t.src.fd, &offset, max)
			if opErr != unix.EINTR {
				break
			}
		}
		// EAGAIN parks the goroutine on the poller until the socket is writable.
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		return 0, os.NewSyscallError("sendfile", opErr)
	}
	return written, nil
}

func (t *sendfileTransfer) Method() Method {
	return MethodSendfile
}
