package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/smbclient/internal/cli/output"
	"github.com/marmos91/smbclient/internal/smb/client"
	"github.com/marmos91/smbclient/internal/smb/dfs"
)

var dfsCmd = &cobra.Command{
	Use:   `dfs <\\server\namespace[\path]>`,
	Short: "Resolve a DFS referral",
	Long: `Ask the server for the DFS referral covering a path and print its
targets. The referral is stored in the DFS cache, so later commands reuse it
until its TTL expires.

Examples:
  smbclient dfs '\\corp.example.com\dfs\projects\alpha'
  smbclient dfs //fileserver/dfsroot/link -U alice -W CORP -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runDFS,
}

// referralReport is the printable form of a referral.
type referralReport struct {
	Path         string    `json:"path" yaml:"path"`
	Prefix       string    `json:"prefix" yaml:"prefix"`
	Resolved     string    `json:"resolved" yaml:"resolved"`
	TTL          string    `json:"ttl" yaml:"ttl"`
	Expiration   time.Time `json:"expiration" yaml:"expiration"`
	Intermediate bool      `json:"intermediate" yaml:"intermediate"`
	Targets      []string  `json:"targets" yaml:"targets"`
}

func (r *referralReport) Headers() []string { return []string{"#", "Target", "Prefix", "TTL"} }

func (r *referralReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Targets))
	for i, t := range r.Targets {
		rows = append(rows, []string{strconv.Itoa(i + 1), t, r.Prefix, r.TTL})
	}
	return rows
}

func newReferralReport(path string, ref *dfs.Referral) (*referralReport, error) {
	resolved, err := ref.Resolve(path)
	if err != nil {
		return nil, err
	}
	r := &referralReport{
		Path:         path,
		Prefix:       ref.Prefix,
		Resolved:     resolved,
		TTL:          ref.TTL.String(),
		Expiration:   ref.Expiration,
		Intermediate: ref.Intermediate,
	}
	for _, t := range ref.Targets {
		r.Targets = append(r.Targets, t.UNC())
	}
	return r, nil
}

func runDFS(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	host, _, err := client.SplitUNC(args[0])
	if err != nil {
		return err
	}
	path := `\` + strings.TrimLeft(strings.ReplaceAll(args[0], "/", `\`), `\`)

	ctx := cmd.Context()
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.close(ctx) }()

	sess, err := e.pool.Session(ctx, host, e.factory())
	if err != nil {
		return fmt.Errorf("session with %s: %w", host, err)
	}
	defer sess.Release()

	ref, err := sess.Referral(ctx, path)
	if err != nil {
		return fmt.Errorf("referral for %s: %w", path, err)
	}
	report, err := newReferralReport(path, ref)
	if err != nil {
		return err
	}
	return output.Print(cmd.OutOrStdout(), format, report)
}
