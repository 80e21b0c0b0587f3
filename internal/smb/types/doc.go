// Package types contains SMB1 and SMB2/3 protocol constants, NT status codes
// and the DOS error class mapping used by the client engine.
//
// # Overview
//
//   - Command codes for SMB2 (NEGOTIATE .. OPLOCK_BREAK) and the SMB1
//     commands the engine issues itself (NEGOTIATE, ECHO, TRANSACTION2, ...)
//   - Header flags, dialects, capabilities and security modes
//   - Negotiate contexts for SMB 3.1.1 (preauth integrity, encryption,
//     signing and compression capabilities)
//   - NT_STATUS codes and the DOS error class mapping for SMB1 servers
//     that do not speak NT status
//
// # References
//
//   - [MS-SMB] Server Message Block Protocol Extensions
//   - [MS-SMB2] Server Message Block Protocol Versions 2 and 3
//   - [MS-ERREF] Windows Error Codes
//   - [MS-CIFS] Common Internet File System Protocol
package types
