//go:build !unix

package bridge

import "syscall"

func listenControl(network, address string, c syscall.RawConn) error {
	return nil
}
