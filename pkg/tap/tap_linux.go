//go:build linux

// Package tap opens a Linux TAP device and bridges it to an Ethernet
// interface: frames read from the device are fed to the stack, and the
// stack's frames are written back, with readiness driven by the event
// loop.
package tap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/malbeclabs/tapstack/pkg/buf"
	"github.com/malbeclabs/tapstack/pkg/eventloop"
	"github.com/malbeclabs/tapstack/pkg/ip"
	"golang.org/x/sys/unix"
)

// maxFrameSize bounds a single read; jumbo frames are not supported.
const maxFrameSize = 16384

// FrameHandler consumes one received frame; the view is valid only for
// the duration of the call. The Ethernet interface's RecvFrame fits.
type FrameHandler func(frame buf.Ref)

// Device is an open TAP device.
type Device struct {
	log     *slog.Logger
	fd      int
	name    string
	mtu     int
	watcher *eventloop.FdWatcher
	handler FrameHandler
	readBuf []byte
	node    buf.Node
}

// Open opens the named TAP device (IFF_TAP, no packet info) nonblocking
// and queries its MTU.
func Open(log *slog.Logger, name string) (*Device, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF %q: %w", name, err)
	}

	mtu, err := queryMtu(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	d := &Device{
		log:     log,
		fd:      fd,
		name:    name,
		mtu:     mtu,
		readBuf: make([]byte, maxFrameSize),
	}
	log.Info("tap: device opened", "name", name, "mtu", mtu)
	return d, nil
}

func queryMtu(name string) (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("tap: mtu query socket: %w", err)
	}
	defer unix.Close(sock)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("tap: SIOCGIFMTU %q: %w", name, err)
	}
	return int(ifr.Uint32()), nil
}

// Attach registers the device with the loop, delivering frames to
// handler.
func (d *Device) Attach(loop *eventloop.Loop, handler FrameHandler) error {
	d.handler = handler
	w, err := loop.WatchFd(d.fd, eventloop.EventRead, d.onReadable)
	if err != nil {
		return err
	}
	d.watcher = w
	return nil
}

func (d *Device) onReadable(eventloop.Events) {
	for {
		n, err := unix.Read(d.fd, d.readBuf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				d.log.Error("tap: read failed", "error", err)
			}
			return
		}
		if n <= 0 {
			return
		}
		d.node = buf.Node{Buf: d.readBuf[:n]}
		d.handler(buf.Ref{Node: &d.node, Len: n})
	}
}

// EthMtu returns the frame MTU including the Ethernet header.
func (d *Device) EthMtu() int {
	return d.mtu + 14
}

// SendFrame writes one frame. Chained views are first flattened into a
// newly allocated buffer.
func (d *Device) SendFrame(frame buf.Ref) error {
	if frame.Len > maxFrameSize {
		return ip.ErrPacketTooLarge
	}
	var data []byte
	if frame.Off+frame.Len <= len(frame.Node.Buf) {
		data = frame.Node.Buf[frame.Off : frame.Off+frame.Len]
	} else {
		flat := make([]byte, frame.Len)
		tmp := frame
		tmp.TakeBytes(frame.Len, flat)
		data = flat
	}
	_, err := unix.Write(d.fd, data)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ip.ErrOutputBufferFull
		}
		return fmt.Errorf("%w: %w", ip.ErrHardwareError, err)
	}
	return nil
}

// Close detaches from the loop and closes the device.
func (d *Device) Close() error {
	if d.watcher != nil {
		_ = d.watcher.Close()
		d.watcher = nil
	}
	return unix.Close(d.fd)
}
