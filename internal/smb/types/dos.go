package types

// DOS error codes pack the error class in the low 16 bits and the code in
// the high 16 bits, as they appear in the SMB1 status field when the server
// does not set FLAGS2_NT_STATUS.
//
// [MS-CIFS] 2.2.2.4
const (
	DOSClassSuccess uint32 = 0x00
	DOSClassERRDOS  uint32 = 0x01
	DOSClassERRSRV  uint32 = 0x02
	DOSClassERRHRD  uint32 = 0x03

	// DOSErrBadPathDFS is ERRSRV/ERRbadpath, which Windows servers return in
	// place of STATUS_PATH_NOT_COVERED on non-NT-status connections.
	DOSErrBadPathDFS uint32 = 0x00030002
)

var dosToNT = map[uint32]Status{
	0x00000000: StatusSuccess,
	0x00010001: StatusNotImplemented,
	0x00010002: StatusNotImplemented,
	0x00020001: StatusNoSuchFile,
	0x00020002: StatusWrongPassword,
	0x00030001: StatusObjectPathNotFound,
	0x00030002: StatusBadDeviceType,
	0x00040002: StatusNetworkAccessDenied,
	0x00050001: StatusAccessDenied,
	0x00050002: StatusInvalidParameter,
	0x00060001: StatusInvalidHandle,
	0x00060002: StatusBadNetworkName,
	0x00080001: StatusInsufficientResources,
	0x00130003: StatusMediaWriteProtected,
	0x00150003: StatusNoMediaInDevice,
	0x001f0001: StatusUnsuccessful,
	0x001f0003: StatusUnsuccessful,
	0x00200001: StatusSharingViolation,
	0x00210001: StatusFileLockConflict,
	0x00270003: StatusDiskFull,
	0x00340001: StatusDuplicateName,
	0x00430001: StatusBadNetworkName,
	0x00470001: StatusRequestNotAccepted,
	0x00500001: StatusObjectNameCollision,
	0x00570001: StatusInvalidInfoClass,
	0x005a0002: Status(0xC00000CE),
	0x005b0002: StatusInvalidParameter,
	0x006d0001: Status(0xC000014B),
	0x007b0001: StatusObjectNameInvalid,
	0x00910001: StatusDirectoryNotEmpty,
	0x00b70001: StatusObjectNameCollision,
	0x00e70001: StatusInstanceNotAvailable,
	0x00e80001: StatusPipeClosing,
	0x00e90001: StatusPipeDisconnected,
	0x00ea0001: StatusMoreProcessingRequired,
	0x08bf0002: StatusRequestNotAcceptedTime,
	0x08c00002: StatusInvalidWorkstation,
	0x08c10002: StatusInvalidLogonHours,
	0x08c20002: StatusPasswordExpired,
}

// StatusFromDOS converts an SMB1 status field to an NT status. Values with
// either of the two top bits set are already NT status codes and are
// returned unchanged. Unknown DOS codes map to STATUS_UNSUCCESSFUL.
func StatusFromDOS(code uint32) Status {
	if code&0xC0000000 != 0 {
		return Status(code)
	}
	if s, ok := dosToNT[code]; ok {
		return s
	}
	return StatusUnsuccessful
}

// DOSCode assembles a DOS error value from its class and code.
func DOSCode(class uint8, code uint16) uint32 {
	return uint32(code)<<16 | uint32(class)
}
