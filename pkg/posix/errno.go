package posix

import "github.com/aejsmith/kiwi-core/pkg/kstatus"

// Errno is the POSIX error code returned to clients in a reply message
// (spec §7 "the POSIX service maps kernel statuses onto POSIX errno values
// at the reply boundary"). Values match the usual libc numbering so a
// client built against a real POSIX errno.h needs no translation table of
// its own.
type Errno int

const (
	ErrnoNone  Errno = 0
	ErrnoPerm  Errno = 1  // EPERM
	ErrnoSrch  Errno = 3  // ESRCH
	ErrnoIntr  Errno = 4  // EINTR
	ErrnoAgain Errno = 11 // EAGAIN
	ErrnoNoMem Errno = 12 // ENOMEM
	ErrnoAcces Errno = 13 // EACCES
	ErrnoInval Errno = 22 // EINVAL
	ErrnoNxIo  Errno = 6  // ENXIO
	ErrnoNoSys Errno = 38 // ENOSYS
)

// FromStatus maps a kernel status onto the errno reported to a POSIX
// client, the translation the original posix_service.cpp's message
// handlers perform inline at every reply site.
func FromStatus(s kstatus.Status) Errno {
	switch s {
	case kstatus.OK:
		return ErrnoNone
	case kstatus.InvalidArg:
		return ErrnoInval
	case kstatus.AccessDenied:
		return ErrnoAcces
	case kstatus.NotFound:
		return ErrnoSrch
	case kstatus.WouldBlock:
		return ErrnoAgain
	case kstatus.Interrupted:
		return ErrnoIntr
	case kstatus.ResourceExhausted:
		return ErrnoNoMem
	case kstatus.NotSupported, kstatus.NotImplemented:
		return ErrnoNoSys
	default:
		return ErrnoInval
	}
}
