package ip

import "errors"

// Send-path errors. Every fallible stack operation returns one of these,
// possibly wrapped; callers dispatch with errors.Is.
var (
	// ErrNoIpRoute means no interface and gateway applies to the destination.
	ErrNoIpRoute = errors.New("no route to destination")

	// ErrBroadcastRejected means the destination is a broadcast address and
	// SendFlagAllowBroadcast was not set.
	ErrBroadcastRejected = errors.New("broadcast destination rejected")

	// ErrFragmentationNeeded means the packet exceeds the path MTU and
	// fragmentation was not permitted.
	ErrFragmentationNeeded = errors.New("fragmentation needed")

	// ErrNoHeaderSpace means the caller did not reserve the required header
	// space in front of the payload.
	ErrNoHeaderSpace = errors.New("no header space reserved")

	// ErrArpQueryInProgress means the frame was not sent because address
	// resolution is outstanding. Non-fatal: a supplied send-retry request
	// will be called back when resolution completes (best effort).
	ErrArpQueryInProgress = errors.New("address resolution in progress")

	// ErrNoHardwareRoute means the destination cannot be resolved on the
	// link (not in the interface subnet).
	ErrNoHardwareRoute = errors.New("no hardware route")

	// Transport-reported errors.
	ErrHardwareError    = errors.New("hardware error")
	ErrOutputBufferFull = errors.New("output buffer full")
	ErrPacketTooLarge   = errors.New("packet too large")

	// UDP binding errors.
	ErrNoPortAvailable = errors.New("no ephemeral port available")
	ErrAddrInUse       = errors.New("address in use")

	// ErrNoIpMtuAvail means a path-MTU reference could not be established
	// because no route exists.
	ErrNoIpMtuAvail = errors.New("no path MTU information available")
)
