package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marmos91/smbclient/internal/cli/output"
	"github.com/marmos91/smbclient/internal/smb/client"
	"github.com/marmos91/smbclient/internal/smb/types"
)

var negotiateCmd = &cobra.Command{
	Use:   "negotiate <host[:port]>",
	Short: "Negotiate with a server and show the agreed parameters",
	Long: `Connect to a server, negotiate the highest common dialect and print
what was agreed: dialect, security mode, capabilities, cipher, signing
algorithm, size limits and the credits granted.

Examples:
  smbclient negotiate fileserver
  smbclient negotiate 10.0.0.5:1445 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runNegotiate,
}

// negotiateReport is the printable result of a negotiation.
type negotiateReport struct {
	Server          string    `json:"server" yaml:"server"`
	Dialect         string    `json:"dialect" yaml:"dialect"`
	ServerGUID      string    `json:"server_guid" yaml:"server_guid"`
	SigningRequired bool      `json:"signing_required" yaml:"signing_required"`
	Capabilities    []string  `json:"capabilities" yaml:"capabilities"`
	Cipher          string    `json:"cipher,omitempty" yaml:"cipher,omitempty"`
	SigningAlg      string    `json:"signing_algorithm,omitempty" yaml:"signing_algorithm,omitempty"`
	Compression     bool      `json:"compression" yaml:"compression"`
	MaxTransactSize uint32    `json:"max_transact_size" yaml:"max_transact_size"`
	MaxReadSize     uint32    `json:"max_read_size" yaml:"max_read_size"`
	MaxWriteSize    uint32    `json:"max_write_size" yaml:"max_write_size"`
	Credits         int       `json:"credits" yaml:"credits"`
	ServerTime      time.Time `json:"server_time" yaml:"server_time"`
}

func (r *negotiateReport) Headers() []string { return []string{"Field", "Value"} }

func (r *negotiateReport) Rows() [][]string {
	rows := [][]string{
		{"Server", r.Server},
		{"Dialect", r.Dialect},
		{"Server GUID", r.ServerGUID},
		{"Signing required", strconv.FormatBool(r.SigningRequired)},
		{"Capabilities", strings.Join(r.Capabilities, ", ")},
	}
	if r.Cipher != "" {
		rows = append(rows, []string{"Cipher", r.Cipher})
	}
	if r.SigningAlg != "" {
		rows = append(rows, []string{"Signing algorithm", r.SigningAlg})
	}
	return append(rows,
		[]string{"Compression", strconv.FormatBool(r.Compression)},
		[]string{"Max transact", humanize.IBytes(uint64(r.MaxTransactSize))},
		[]string{"Max read", humanize.IBytes(uint64(r.MaxReadSize))},
		[]string{"Max write", humanize.IBytes(uint64(r.MaxWriteSize))},
		[]string{"Credits", strconv.Itoa(r.Credits)},
		[]string{"Server time", r.ServerTime.Format(time.RFC3339)},
	)
}

func runNegotiate(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	host, port, err := splitHostPort(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.close(ctx) }()

	conn, err := e.pool.Get(ctx, host, port)
	if err != nil {
		return fmt.Errorf("negotiate with %s: %w", args[0], err)
	}
	defer conn.Release()

	return output.Print(cmd.OutOrStdout(), format, newNegotiateReport(conn))
}

func newNegotiateReport(conn *client.Connection) *negotiateReport {
	n := conn.Negotiated()
	r := &negotiateReport{
		Server:          conn.Host(),
		Dialect:         n.Dialect.String(),
		ServerGUID:      guidString(n.ServerGUID),
		SigningRequired: n.SigningRequired,
		Capabilities:    capabilityNames(n),
		Compression:     n.Compression,
		MaxTransactSize: n.MaxTransactSize,
		MaxReadSize:     n.MaxReadSize,
		MaxWriteSize:    n.MaxWriteSize,
		Credits:         conn.Credits(),
		ServerTime:      n.ServerTime,
	}
	if n.Dialect.IsSMB3() {
		r.Cipher = n.Cipher.String()
		r.SigningAlg = n.SigningAlg.String()
	}
	return r
}

var capabilities = []struct {
	flag types.Capabilities
	name string
}{
	{types.CapDFS, "DFS"},
	{types.CapLeasing, "LEASING"},
	{types.CapLargeMTU, "LARGE_MTU"},
	{types.CapMultiChannel, "MULTI_CHANNEL"},
	{types.CapPersistentHandles, "PERSISTENT_HANDLES"},
	{types.CapDirectoryLeasing, "DIRECTORY_LEASING"},
	{types.CapEncryption, "ENCRYPTION"},
}

func capabilityNames(n *client.Negotiated) []string {
	if n.IsSMB1() {
		if n.SupportsDFS() {
			return []string{"DFS"}
		}
		return []string{}
	}
	names := []string{}
	for _, c := range capabilities {
		if n.Capabilities.Has(c.flag) {
			names = append(names, c.name)
		}
	}
	return names
}

// guidString formats a wire GUID, whose first three fields are
// little-endian.
func guidString(b [16]byte) string {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:])
	return u.String()
}
