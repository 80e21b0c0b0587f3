package types

import "fmt"

// Status is an NT_STATUS code.
//
// NT_STATUS codes are 32-bit values divided into:
//   - Severity (bits 30-31): 00=Success, 01=Informational, 10=Warning, 11=Error
//   - Customer (bit 29)
//   - Facility (bits 16-28)
//   - Code (bits 0-15)
//
// [MS-ERREF] Section 2.3
type Status uint32

const (
	StatusSuccess        Status = 0x00000000
	StatusPending        Status = 0x00000103
	StatusNotifyCleanup  Status = 0x0000010B
	StatusNotifyEnumDir  Status = 0x0000010C
	StatusBufferOverflow Status = 0x80000005
	StatusNoMoreFiles    Status = 0x80000006

	StatusUnsuccessful            Status = 0xC0000001
	StatusNotImplemented          Status = 0xC0000002
	StatusInvalidInfoClass        Status = 0xC0000003
	StatusInvalidHandle           Status = 0xC0000008
	StatusInvalidParameter        Status = 0xC000000D
	StatusNoSuchDevice            Status = 0xC000000E
	StatusNoSuchFile              Status = 0xC000000F
	StatusInvalidDeviceRequest    Status = 0xC0000010
	StatusEndOfFile               Status = 0xC0000011
	StatusWrongVolume             Status = 0xC0000012
	StatusNoMediaInDevice         Status = 0xC0000013
	StatusMoreProcessingRequired  Status = 0xC0000016
	StatusNoMemory                Status = 0xC0000017
	StatusAccessDenied            Status = 0xC0000022
	StatusBufferTooSmall          Status = 0xC0000023
	StatusObjectNameInvalid       Status = 0xC0000033
	StatusObjectNameNotFound      Status = 0xC0000034
	StatusObjectNameCollision     Status = 0xC0000035
	StatusObjectPathInvalid       Status = 0xC0000039
	StatusObjectPathNotFound      Status = 0xC000003A
	StatusObjectPathSyntaxBad     Status = 0xC000003B
	StatusSharingViolation        Status = 0xC0000043
	StatusDeletePending           Status = 0xC0000056
	StatusFileLockConflict        Status = 0xC0000054
	StatusLockNotGranted          Status = 0xC0000055
	StatusPrivilegeNotHeld        Status = 0xC0000061
	StatusWrongPassword           Status = 0xC000006A
	StatusLogonFailure            Status = 0xC000006D
	StatusAccountRestriction      Status = 0xC000006E
	StatusInvalidLogonHours       Status = 0xC000006F
	StatusInvalidWorkstation      Status = 0xC0000070
	StatusPasswordExpired         Status = 0xC0000071
	StatusAccountDisabled         Status = 0xC0000072
	StatusDiskFull                Status = 0xC000007F
	StatusInsufficientResources   Status = 0xC000009A
	StatusMediaWriteProtected     Status = 0xC00000A2
	StatusFileIsADirectory        Status = 0xC00000BA
	StatusNotSupported            Status = 0xC00000BB
	StatusDuplicateName           Status = 0xC00000BD
	StatusNetworkNameDeleted      Status = 0xC00000C9
	StatusNetworkAccessDenied     Status = 0xC00000CA
	StatusBadNetworkName          Status = 0xC00000CC
	StatusBadDeviceType           Status = 0xC00000CB
	StatusRequestNotAccepted      Status = 0xC00000D0
	StatusPipeNotAvailable        Status = 0xC00000AC
	StatusInstanceNotAvailable    Status = 0xC00000AB
	StatusPipeBusy                Status = 0xC00000AE
	StatusPipeDisconnected        Status = 0xC00000B0
	StatusPipeClosing             Status = 0xC00000B1
	StatusCannotDelete            Status = 0xC0000121
	StatusDirectoryNotEmpty       Status = 0xC0000101
	StatusNotADirectory           Status = 0xC0000103
	StatusCancelled               Status = 0xC0000120
	StatusFileClosed              Status = 0xC0000128
	StatusNoTrustSamAccount       Status = 0xC000018B
	StatusTrustedDomainFailure    Status = 0xC000018C
	StatusTrustedRelationshipFail Status = 0xC000018D
	StatusNologonWorkstationTrust Status = 0xC0000199
	StatusPasswordMustChange      Status = 0xC0000224
	StatusAccountLockedOut        Status = 0xC0000234
	StatusUserSessionDeleted      Status = 0xC0000203
	StatusConnectionRefused       Status = 0xC0000236
	StatusNetworkSessionExpired   Status = 0xC000035C
	StatusPathNotCovered          Status = 0xC0000257
	StatusNotFound                Status = 0xC0000225
	StatusRequestNotAcceptedTime  Status = 0xC0000193
	StatusIOTimeout               Status = 0xC00000B5
	StatusInvalidLockSequence     Status = 0xC000001E
	StatusNoSuchLogonSession      Status = 0xC000005F
	StatusRangeNotLocked          Status = 0xC000007E
	StatusFsDriverRequired        Status = 0xC000019C
	StatusNotAReparsePoint        Status = 0xC0000275
	StatusEncryptionFailed        Status = 0xC000028A
	StatusDecryptionFailed        Status = 0xC000028B
	StatusAccessDeniedSigning     Status = 0xC00000A0
)

var statusNames = map[Status]string{
	StatusSuccess:                "STATUS_SUCCESS",
	StatusPending:                "STATUS_PENDING",
	StatusNotifyCleanup:          "STATUS_NOTIFY_CLEANUP",
	StatusNotifyEnumDir:          "STATUS_NOTIFY_ENUM_DIR",
	StatusBufferOverflow:         "STATUS_BUFFER_OVERFLOW",
	StatusNoMoreFiles:            "STATUS_NO_MORE_FILES",
	StatusUnsuccessful:           "STATUS_UNSUCCESSFUL",
	StatusNotImplemented:         "STATUS_NOT_IMPLEMENTED",
	StatusInvalidHandle:          "STATUS_INVALID_HANDLE",
	StatusInvalidParameter:       "STATUS_INVALID_PARAMETER",
	StatusNoSuchFile:             "STATUS_NO_SUCH_FILE",
	StatusInvalidDeviceRequest:   "STATUS_INVALID_DEVICE_REQUEST",
	StatusEndOfFile:              "STATUS_END_OF_FILE",
	StatusMoreProcessingRequired: "STATUS_MORE_PROCESSING_REQUIRED",
	StatusAccessDenied:           "STATUS_ACCESS_DENIED",
	StatusObjectNameInvalid:      "STATUS_OBJECT_NAME_INVALID",
	StatusObjectNameNotFound:     "STATUS_OBJECT_NAME_NOT_FOUND",
	StatusObjectNameCollision:    "STATUS_OBJECT_NAME_COLLISION",
	StatusObjectPathNotFound:     "STATUS_OBJECT_PATH_NOT_FOUND",
	StatusSharingViolation:       "STATUS_SHARING_VIOLATION",
	StatusWrongPassword:          "STATUS_WRONG_PASSWORD",
	StatusLogonFailure:           "STATUS_LOGON_FAILURE",
	StatusAccountRestriction:     "STATUS_ACCOUNT_RESTRICTION",
	StatusInvalidLogonHours:      "STATUS_INVALID_LOGON_HOURS",
	StatusInvalidWorkstation:     "STATUS_INVALID_WORKSTATION",
	StatusPasswordExpired:        "STATUS_PASSWORD_EXPIRED",
	StatusAccountDisabled:        "STATUS_ACCOUNT_DISABLED",
	StatusMediaWriteProtected:    "STATUS_MEDIA_WRITE_PROTECTED",
	StatusNotSupported:           "STATUS_NOT_SUPPORTED",
	StatusNetworkNameDeleted:     "STATUS_NETWORK_NAME_DELETED",
	StatusBadNetworkName:         "STATUS_BAD_NETWORK_NAME",
	StatusCancelled:              "STATUS_CANCELLED",
	StatusFileClosed:             "STATUS_FILE_CLOSED",
	StatusTrustedDomainFailure:   "STATUS_TRUSTED_DOMAIN_FAILURE",
	StatusAccountLockedOut:       "STATUS_ACCOUNT_LOCKED_OUT",
	StatusUserSessionDeleted:     "STATUS_USER_SESSION_DELETED",
	StatusNetworkSessionExpired:  "STATUS_NETWORK_SESSION_EXPIRED",
	StatusPathNotCovered:         "STATUS_PATH_NOT_COVERED",
	StatusNotFound:               "STATUS_NOT_FOUND",
	StatusIOTimeout:              "STATUS_IO_TIMEOUT",
	StatusInsufficientResources:  "STATUS_INSUFFICIENT_RESOURCES",
	StatusRequestNotAccepted:     "STATUS_REQUEST_NOT_ACCEPTED",
	StatusDirectoryNotEmpty:      "STATUS_DIRECTORY_NOT_EMPTY",
	StatusNotADirectory:          "STATUS_NOT_A_DIRECTORY",
	StatusDiskFull:               "STATUS_DISK_FULL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// Severity returns the top two bits.
func (s Status) Severity() uint8 { return uint8(s >> 30) }

// IsSuccess reports success and informational codes.
func (s Status) IsSuccess() bool { return s.Severity() <= 1 }

// IsWarning reports warning codes such as STATUS_BUFFER_OVERFLOW.
func (s Status) IsWarning() bool { return s.Severity() == 2 }

// IsError reports error codes.
func (s Status) IsError() bool { return s.Severity() == 3 }

// IsAuthFailure reports the logon failure family that callers surface as
// authentication errors rather than generic status errors.
func (s Status) IsAuthFailure() bool {
	switch s {
	case StatusAccessDenied,
		StatusWrongPassword,
		StatusLogonFailure,
		StatusAccountRestriction,
		StatusInvalidLogonHours,
		StatusInvalidWorkstation,
		StatusPasswordExpired,
		StatusAccountDisabled,
		StatusAccountLockedOut,
		StatusTrustedDomainFailure:
		return true
	}
	return false
}

// IsUnsupported reports statuses meaning the server does not implement a request.
func (s Status) IsUnsupported() bool {
	return s == StatusNotSupported || s == StatusInvalidDeviceRequest
}

// IsSessionExpired reports statuses indicating the session must be re-established.
func (s Status) IsSessionExpired() bool {
	return s == StatusNetworkSessionExpired || s == StatusUserSessionDeleted
}
