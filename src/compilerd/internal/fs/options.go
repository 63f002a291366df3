package fs

import (
	"fmt"
	"os"
)

// FileMode specifies how the file system should open a file.
type FileMode int

const (
	// ModeCreateNew creates a new file and fails if it already exists.
	ModeCreateNew FileMode = iota + 1
	// ModeCreate creates a new file or truncates an existing one.
	ModeCreate
	// ModeOpen opens an existing file.
	ModeOpen
	// ModeOpenOrCreate opens a file, creating it if necessary.
	ModeOpenOrCreate
	// ModeTruncate opens an existing file and truncates it to zero length.
	ModeTruncate
	// ModeAppend opens a file for appending, creating it if necessary.
	ModeAppend
)

var _fileModeNames = map[FileMode]string{
	ModeCreateNew:    "CreateNew",
	ModeCreate:       "Create",
	ModeOpen:         "Open",
	ModeOpenOrCreate: "OpenOrCreate",
	ModeTruncate:     "Truncate",
	ModeAppend:       "Append",
}

// String implements fmt.Stringer.
func (m FileMode) String() string {
	if name, ok := _fileModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("FileMode(%d)", int(m))
}

func (m FileMode) valid() bool {
	_, ok := _fileModeNames[m]
	return ok
}

// writes reports whether the mode can only be satisfied by writing to the file.
func (m FileMode) writes() bool {
	return m == ModeCreateNew || m == ModeCreate || m == ModeTruncate || m == ModeAppend
}

// FileAccess specifies the access requested on an opened file.
type FileAccess int

const (
	// AccessRead requests read access.
	AccessRead FileAccess = 1
	// AccessWrite requests write access.
	AccessWrite FileAccess = 2
	// AccessReadWrite requests read and write access.
	AccessReadWrite FileAccess = AccessRead | AccessWrite
)

// String implements fmt.Stringer.
func (a FileAccess) String() string {
	switch a {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("FileAccess(%d)", int(a))
	}
}

func (a FileAccess) valid() bool {
	return a == AccessRead || a == AccessWrite || a == AccessReadWrite
}

// FileShare specifies the access other openers may be granted. It is validated but advisory on POSIX systems.
type FileShare int

const (
	// ShareNone declines sharing.
	ShareNone FileShare = 0
	// ShareRead allows subsequent opens for reading.
	ShareRead FileShare = 1
	// ShareWrite allows subsequent opens for writing.
	ShareWrite FileShare = 2
	// ShareReadWrite allows subsequent opens for reading and writing.
	ShareReadWrite FileShare = ShareRead | ShareWrite
	// ShareDelete allows subsequent deletion.
	ShareDelete FileShare = 4

	_shareAll = ShareReadWrite | ShareDelete
)

func (s FileShare) valid() bool {
	return s >= 0 && s&^_shareAll == 0
}

// FileOptions are advanced options for OpenWithOptions.
type FileOptions int

const (
	// OptionNone requests no additional behavior.
	OptionNone FileOptions = 0
	// OptionWriteThrough writes through any intermediate cache to disk.
	OptionWriteThrough FileOptions = 1 << iota
	// OptionDeleteOnClose removes the file once it is closed.
	OptionDeleteOnClose
	// OptionSequentialScan hints that the file is read from start to end.
	OptionSequentialScan

	_optionsAll = OptionWriteThrough | OptionDeleteOnClose | OptionSequentialScan
)

func (o FileOptions) valid() bool {
	return o >= 0 && o&^_optionsAll == 0
}

// openFlags translates a validated mode, access and option set into os.OpenFile flags.
func openFlags(mode FileMode, access FileAccess, options FileOptions) int {
	var flag int
	switch access {
	case AccessRead:
		flag = os.O_RDONLY
	case AccessWrite:
		flag = os.O_WRONLY
	case AccessReadWrite:
		flag = os.O_RDWR
	}

	switch mode {
	case ModeCreateNew:
		flag |= os.O_CREATE | os.O_EXCL
	case ModeCreate:
		flag |= os.O_CREATE | os.O_TRUNC
	case ModeOpenOrCreate:
		flag |= os.O_CREATE
	case ModeTruncate:
		flag |= os.O_TRUNC
	case ModeAppend:
		flag |= os.O_CREATE | os.O_APPEND
	}

	if options&OptionWriteThrough != 0 {
		flag |= os.O_SYNC
	}
	return flag
}
