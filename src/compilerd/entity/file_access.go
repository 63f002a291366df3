package entity

import "fmt"

// RequestedAccess is the kind of access a compile requested on a file.
// Values follow the sandbox access-report encoding, where ReadWrite is the union of Read and Write.
type RequestedAccess uint8

const (
	// RequestedAccessRead is a read access.
	RequestedAccessRead RequestedAccess = 1
	// RequestedAccessWrite is a write access.
	RequestedAccessWrite RequestedAccess = 2
	// RequestedAccessReadWrite is a combined read and write access.
	RequestedAccessReadWrite RequestedAccess = RequestedAccessRead | RequestedAccessWrite
)

// String implements fmt.Stringer.
func (a RequestedAccess) String() string {
	switch a {
	case RequestedAccessRead:
		return "Read"
	case RequestedAccessWrite:
		return "Write"
	case RequestedAccessReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("RequestedAccess(%d)", uint8(a))
	}
}

// DesiredAccess is the generic access right reported alongside a RequestedAccess.
type DesiredAccess uint32

const (
	// GenericWrite is the GENERIC_WRITE access right.
	GenericWrite DesiredAccess = 0x40000000
	// GenericRead is the GENERIC_READ access right.
	GenericRead DesiredAccess = 0x80000000
)

// String implements fmt.Stringer.
func (d DesiredAccess) String() string {
	switch d {
	case GenericRead:
		return "GENERIC_READ"
	case GenericWrite:
		return "GENERIC_WRITE"
	default:
		return fmt.Sprintf("0x%08x", uint32(d))
	}
}

// FileAccessRecord is a single self-reported file access made on behalf of a compile request.
type FileAccessRecord struct {
	RequestedAccess RequestedAccess `json:"requestedAccess" zap:"requestedAccess"`
	ProcessID       uint32          `json:"processId" zap:"processId"`
	DesiredAccess   DesiredAccess   `json:"desiredAccess" zap:"desiredAccess"`
	Path            string          `json:"path" zap:"path"`
}
