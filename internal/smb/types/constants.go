package types

import "fmt"

// Protocol identifiers, as read little-endian from the first four bytes of
// a message (0xFF 'S' 'M' 'B' and friends).
const (
	SMB1ProtocolID        uint32 = 0x424D53FF
	SMB2ProtocolID        uint32 = 0x424D53FE
	TransformProtocolID   uint32 = 0x424D53FD
	CompressionProtocolID uint32 = 0x424D53FC
)

// Header sizes
const (
	SMB1HeaderSize           = 32
	SMB2HeaderSize           = 64
	TransformHeaderSize      = 52
	CompressionHeaderSize    = 16
	NetBIOSHeaderSize        = 4
	MinFrameSize             = 33 // smallest payload accepted by the receive loop
	SMB1MaxBufferSize        = 0xFFFF
	DefaultReceiveBufferSize = 0x10000 + SMB2HeaderSize
	SMB2AsyncNotificationMID = uint64(0xFFFFFFFFFFFFFFFF)
	SMB1NotificationMID      = uint16(0xFFFF)
	SMB1MIDModulus           = 32000
)

// NetBIOS session service packet types (RFC 1002)
const (
	NetBIOSSessionMessage          uint8 = 0x00
	NetBIOSSessionRequest          uint8 = 0x81
	NetBIOSPositiveSessionResponse uint8 = 0x82
	NetBIOSNegativeSessionResponse uint8 = 0x83
	NetBIOSRetargetSessionResponse uint8 = 0x84
	NetBIOSSessionKeepAlive        uint8 = 0x85
)

// =============================================================================
// SMB2 commands
// =============================================================================

// Command is an SMB2 command code. [MS-SMB2] 2.2.1
type Command uint16

const (
	CommandNegotiate      Command = 0x0000
	CommandSessionSetup   Command = 0x0001
	CommandLogoff         Command = 0x0002
	CommandTreeConnect    Command = 0x0003
	CommandTreeDisconnect Command = 0x0004
	CommandCreate         Command = 0x0005
	CommandClose          Command = 0x0006
	CommandFlush          Command = 0x0007
	CommandRead           Command = 0x0008
	CommandWrite          Command = 0x0009
	CommandLock           Command = 0x000A
	CommandIoctl          Command = 0x000B
	CommandCancel         Command = 0x000C
	CommandEcho           Command = 0x000D
	CommandQueryDirectory Command = 0x000E
	CommandChangeNotify   Command = 0x000F
	CommandQueryInfo      Command = 0x0010
	CommandSetInfo        Command = 0x0011
	CommandOplockBreak    Command = 0x0012
)

var commandNames = map[Command]string{
	CommandNegotiate:      "NEGOTIATE",
	CommandSessionSetup:   "SESSION_SETUP",
	CommandLogoff:         "LOGOFF",
	CommandTreeConnect:    "TREE_CONNECT",
	CommandTreeDisconnect: "TREE_DISCONNECT",
	CommandCreate:         "CREATE",
	CommandClose:          "CLOSE",
	CommandFlush:          "FLUSH",
	CommandRead:           "READ",
	CommandWrite:          "WRITE",
	CommandLock:           "LOCK",
	CommandIoctl:          "IOCTL",
	CommandCancel:         "CANCEL",
	CommandEcho:           "ECHO",
	CommandQueryDirectory: "QUERY_DIRECTORY",
	CommandChangeNotify:   "CHANGE_NOTIFY",
	CommandQueryInfo:      "QUERY_INFO",
	CommandSetInfo:        "SET_INFO",
	CommandOplockBreak:    "OPLOCK_BREAK",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(c))
}

// HeaderFlags is the SMB2 header Flags field. [MS-SMB2] 2.2.1.1
type HeaderFlags uint32

const (
	FlagResponse    HeaderFlags = 0x00000001
	FlagAsync       HeaderFlags = 0x00000002
	FlagRelated     HeaderFlags = 0x00000004
	FlagSigned      HeaderFlags = 0x00000008
	FlagPriorityMsk HeaderFlags = 0x00000070
	FlagDFS         HeaderFlags = 0x10000000
	FlagReplay      HeaderFlags = 0x20000000
)

func (f HeaderFlags) Has(flag HeaderFlags) bool { return f&flag != 0 }

// =============================================================================
// Dialects
// =============================================================================

// Dialect is a negotiated protocol revision. SMB1 is represented by
// DialectSMB1, which never appears on the SMB2 wire.
type Dialect uint16

const (
	DialectSMB1     Dialect = 0x0100
	Dialect0202     Dialect = 0x0202
	Dialect0210     Dialect = 0x0210
	Dialect0300     Dialect = 0x0300
	Dialect0302     Dialect = 0x0302
	Dialect0311     Dialect = 0x0311
	DialectWildcard Dialect = 0x02FF
)

// SMB2Dialects lists the SMB2/3 dialects the engine can negotiate, oldest first.
var SMB2Dialects = []Dialect{Dialect0202, Dialect0210, Dialect0300, Dialect0302, Dialect0311}

func (d Dialect) String() string {
	switch d {
	case DialectSMB1:
		return "SMB1"
	case Dialect0202:
		return "SMB 2.0.2"
	case Dialect0210:
		return "SMB 2.1"
	case Dialect0300:
		return "SMB 3.0"
	case Dialect0302:
		return "SMB 3.0.2"
	case Dialect0311:
		return "SMB 3.1.1"
	case DialectWildcard:
		return "SMB 2.???"
	}
	return fmt.Sprintf("0x%04X", uint16(d))
}

// ParseDialect accepts "SMB1", "SMB202", "SMB210", "SMB300", "SMB302",
// "SMB311" and the dotted display forms.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "SMB1", "NT1":
		return DialectSMB1, nil
	case "SMB202", "2.0.2", "SMB 2.0.2":
		return Dialect0202, nil
	case "SMB210", "2.1", "SMB 2.1":
		return Dialect0210, nil
	case "SMB300", "3.0", "SMB 3.0":
		return Dialect0300, nil
	case "SMB302", "3.0.2", "SMB 3.0.2":
		return Dialect0302, nil
	case "SMB311", "3.1.1", "SMB 3.1.1":
		return Dialect0311, nil
	}
	return 0, fmt.Errorf("unknown dialect %q", s)
}

// IsSMB2 reports whether d is an SMB2 or SMB3 dialect.
func (d Dialect) IsSMB2() bool { return d >= Dialect0202 && d != DialectWildcard }

// IsSMB3 reports whether d is an SMB 3.x dialect.
func (d Dialect) IsSMB3() bool { return d >= Dialect0300 }

// SupportsMultiCredit reports whether requests may carry CreditCharge > 1.
func (d Dialect) SupportsMultiCredit() bool { return d >= Dialect0210 }

// Capabilities is the SMB2 negotiate Capabilities field. [MS-SMB2] 2.2.3
type Capabilities uint32

const (
	CapDFS               Capabilities = 0x00000001
	CapLeasing           Capabilities = 0x00000002
	CapLargeMTU          Capabilities = 0x00000004
	CapMultiChannel      Capabilities = 0x00000008
	CapPersistentHandles Capabilities = 0x00000010
	CapDirectoryLeasing  Capabilities = 0x00000020
	CapEncryption        Capabilities = 0x00000040
)

func (c Capabilities) Has(flag Capabilities) bool { return c&flag != 0 }

// SecurityMode is the SMB2 negotiate SecurityMode field.
type SecurityMode uint16

const (
	SigningEnabled  SecurityMode = 0x0001
	SigningRequired SecurityMode = 0x0002
)

// Session flags returned by SESSION_SETUP. [MS-SMB2] 2.2.6
const (
	SessionFlagIsGuest     uint16 = 0x0001
	SessionFlagIsNull      uint16 = 0x0002
	SessionFlagEncryptData uint16 = 0x0004
)

// Share types and flags returned by TREE_CONNECT. [MS-SMB2] 2.2.10
const (
	ShareTypeDisk  uint8 = 0x01
	ShareTypePipe  uint8 = 0x02
	ShareTypePrint uint8 = 0x03

	ShareFlagDFS         uint32 = 0x00000001
	ShareFlagDFSRoot     uint32 = 0x00000002
	ShareFlagEncryptData uint32 = 0x00008000
)

// IOCTL
const (
	FSCTLDfsGetReferrals   uint32 = 0x00060194
	FSCTLDfsGetReferralsEx uint32 = 0x000601B0
	FSCTLPipeTransceive    uint32 = 0x0011C017
	FSCTLPipePeek          uint32 = 0x0011400C
	IoctlIsFsctl           uint32 = 0x00000001
)

// =============================================================================
// SMB 3.1.1 negotiate contexts
// =============================================================================

const (
	NegCtxPreauthIntegrity uint16 = 0x0001
	NegCtxEncryptionCaps   uint16 = 0x0002
	NegCtxCompressionCaps  uint16 = 0x0003
	NegCtxNetnameContextID uint16 = 0x0005
	NegCtxSigningCaps      uint16 = 0x0008
)

const HashAlgSHA512 uint16 = 0x0001

// Cipher identifies an SMB3 encryption algorithm.
type Cipher uint16

const (
	CipherNone      Cipher = 0x0000
	CipherAES128CCM Cipher = 0x0001
	CipherAES128GCM Cipher = 0x0002
	CipherAES256CCM Cipher = 0x0003
	CipherAES256GCM Cipher = 0x0004
)

func (c Cipher) String() string {
	switch c {
	case CipherAES128CCM:
		return "AES-128-CCM"
	case CipherAES128GCM:
		return "AES-128-GCM"
	case CipherAES256CCM:
		return "AES-256-CCM"
	case CipherAES256GCM:
		return "AES-256-GCM"
	case CipherNone:
		return "none"
	}
	return fmt.Sprintf("cipher(0x%04X)", uint16(c))
}

// ParseCipher accepts the names produced by Cipher.String.
func ParseCipher(s string) (Cipher, error) {
	for _, c := range []Cipher{CipherAES128CCM, CipherAES128GCM, CipherAES256CCM, CipherAES256GCM} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cipher %q", s)
}

// KeyBits returns the key length the cipher uses.
func (c Cipher) KeyBits() uint32 {
	if c == CipherAES256CCM || c == CipherAES256GCM {
		return 256
	}
	return 128
}

// SigningAlg identifies an SMB3 signing algorithm.
type SigningAlg uint16

const (
	SigningHMACSHA256 SigningAlg = 0x0000
	SigningAESCMAC    SigningAlg = 0x0001
	SigningAESGMAC    SigningAlg = 0x0002
)

func (a SigningAlg) String() string {
	switch a {
	case SigningHMACSHA256:
		return "HMAC-SHA256"
	case SigningAESCMAC:
		return "AES-CMAC"
	case SigningAESGMAC:
		return "AES-GMAC"
	}
	return fmt.Sprintf("signing(0x%04X)", uint16(a))
}

// Compression algorithms. [MS-SMB2] 2.2.3.1.3
const (
	CompressionNone      uint16 = 0x0000
	CompressionLZNT1     uint16 = 0x0001
	CompressionLZ77      uint16 = 0x0002
	CompressionLZ77Huff  uint16 = 0x0003
	CompressionPatternV1 uint16 = 0x0004
	CompressionLZ4       uint16 = 0x0005
)

// =============================================================================
// SMB1
// =============================================================================

// SMB1 command codes used by the engine. [MS-CIFS] 2.2.2.1
const (
	SMB1CommandTransaction2   uint8 = 0x32
	SMB1CommandLockingAndX    uint8 = 0x24
	SMB1CommandEcho           uint8 = 0x2B
	SMB1CommandTreeDisconnect uint8 = 0x71
	SMB1CommandNegotiate      uint8 = 0x72
	SMB1CommandSessionSetup   uint8 = 0x73
	SMB1CommandLogoffAndX     uint8 = 0x74
	SMB1CommandTreeConnectAnd uint8 = 0x75
	SMB1CommandNTCancel       uint8 = 0xA4
	SMB1CommandNoAndX         uint8 = 0xFF
)

// SMB1 Flags and Flags2
const (
	SMB1FlagsCaseless  uint8 = 0x08
	SMB1FlagsCanonical uint8 = 0x10
	SMB1FlagsReply     uint8 = 0x80

	SMB1Flags2LongNames         uint16 = 0x0001
	SMB1Flags2SecuritySignature uint16 = 0x0004
	SMB1Flags2SignatureRequired uint16 = 0x0010
	SMB1Flags2ExtendedSecurity  uint16 = 0x0800
	SMB1Flags2DFS               uint16 = 0x1000
	SMB1Flags2NTStatus          uint16 = 0x4000
	SMB1Flags2Unicode           uint16 = 0x8000
)

// SMB1 negotiate capabilities and security mode
const (
	SMB1CapUnicode          uint32 = 0x00000004
	SMB1CapLargeFiles       uint32 = 0x00000008
	SMB1CapNTSMBs           uint32 = 0x00000010
	SMB1CapNTStatus         uint32 = 0x00000040
	SMB1CapLevelIIOplocks   uint32 = 0x00000080
	SMB1CapDFS              uint32 = 0x00001000
	SMB1CapLargeReadX       uint32 = 0x00004000
	SMB1CapLargeWriteX      uint32 = 0x00008000
	SMB1CapExtendedSecurity uint32 = 0x80000000

	SMB1SecurityUserMode        uint8 = 0x01
	SMB1SecurityEncryptPassword uint8 = 0x02
	SMB1SecuritySignEnabled     uint8 = 0x04
	SMB1SecuritySignRequired    uint8 = 0x08
)

// Trans2 subcommands
const Trans2GetDFSReferral uint16 = 0x0010

// SMB1 negotiate dialect strings offered in multi-protocol negotiation.
const (
	SMB1DialectNTLM012   = "NT LM 0.12"
	SMB1DialectSMB2002   = "SMB 2.002"
	SMB1DialectSMB2Wildc = "SMB 2.???"
)
