//go:build !windows

package supervisor

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/foxbound/fragproxy/pkg/constants"
	"github.com/foxbound/fragproxy/pkg/errors"
)

// bindListen builds the listening socket by hand: SO_REUSEPORT then a
// 1024-deep backlog (spec.md §4.F), neither of which net.Listen exposes a
// knob for. Grounded on the teacher pack's manual-socket proxy listener
// (other_examples' focusd TransparentProxy.createTransparentListener, which
// does Socket/SetsockoptInt/Bind/Listen/FileListener the same way) and on
// caddy's listen_linux.go reusePort helper for the SO_REUSEPORT call itself.
func bindListen(log *zap.Logger, addr string) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.NewBindError(addr, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP == nil || tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.NewBindError(addr, err)
	}
	closeOnErr := func(err error) (net.Listener, error) {
		unix.Close(fd)
		return nil, errors.NewBindError(addr, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return closeOnErr(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		log.Debug("SO_REUSEPORT unavailable, continuing without it", zap.Error(err))
	}

	if domain == unix.AF_INET6 {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], tcpAddr.IP.To16())
		sa.Port = tcpAddr.Port
		if err := unix.Bind(fd, &sa); err != nil {
			return closeOnErr(err)
		}
	} else {
		var sa unix.SockaddrInet4
		ip4 := tcpAddr.IP.To4()
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		sa.Port = tcpAddr.Port
		if err := unix.Bind(fd, &sa); err != nil {
			return closeOnErr(err)
		}
	}

	if err := unix.Listen(fd, constants.ListenBacklog); err != nil {
		return closeOnErr(err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("fragproxy-listener-%s", addr))
	ln, err := net.FileListener(file)
	file.Close()
	if err != nil {
		unix.Close(fd)
		return nil, errors.NewBindError(addr, err)
	}
	return ln, nil
}
