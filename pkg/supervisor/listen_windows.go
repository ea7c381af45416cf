//go:build windows

package supervisor

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/foxbound/fragproxy/pkg/errors"
)

// bindListen falls back to net.Listen on Windows: there is no portable
// SO_REUSEPORT equivalent and no public knob for a custom backlog, so this
// platform gets whatever the OS default provides (spec.md §4.F: "SO_REUSEPORT
// where platform supports it").
func bindListen(log *zap.Logger, addr string) (net.Listener, error) {
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, errors.NewBindError(addr, err)
	}
	return ln, nil
}
