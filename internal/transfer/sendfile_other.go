//go:build !linux

package transfer

import "net"

type zeroFile struct{}

func openZeroFile(int) (*zeroFile, error) {
	return nil, ErrSendfileUnsupported
}

func (z *zeroFile) close() error {
	return nil
}

type sendfileTransfer struct {
	src  *zeroFile
	size int
}

func (t *sendfileTransfer) Transfer(net.Conn, int) (int, error) {
	return 0, ErrSendfileUnsupported
}

func (t *sendfileTransfer) Method() Method {
	return MethodSendfile
}
