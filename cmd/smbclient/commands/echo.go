package commands

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/smbclient/internal/cli/output"
)

var (
	echoCount    int
	echoParallel int
	echoInterval time.Duration
)

var echoCmd = &cobra.Command{
	Use:   "echo <host[:port]>",
	Short: "Send ECHO requests over one connection",
	Long: `Connect to a server and send ECHO requests, several in flight at a
time, then print round-trip statistics. The requests share one connection,
so this exercises message id allocation and credit accounting.

Examples:
  smbclient echo fileserver -n 100 -p 16
  smbclient echo fileserver -n 10 --interval 1s`,
	Args: cobra.ExactArgs(1),
	RunE: runEcho,
}

func init() {
	echoCmd.Flags().IntVarP(&echoCount, "count", "n", 4, "number of echo requests")
	echoCmd.Flags().IntVarP(&echoParallel, "parallel", "p", 1, "requests in flight at a time")
	echoCmd.Flags().DurationVar(&echoInterval, "interval", 0, "pause between rounds of parallel requests")
}

// echoStats summarizes round trips.
type echoStats struct {
	Server  string        `json:"server" yaml:"server"`
	Sent    int           `json:"sent" yaml:"sent"`
	Credits int           `json:"credits" yaml:"credits"`
	Min     time.Duration `json:"min_ns" yaml:"min"`
	Avg     time.Duration `json:"avg_ns" yaml:"avg"`
	P95     time.Duration `json:"p95_ns" yaml:"p95"`
	Max     time.Duration `json:"max_ns" yaml:"max"`
}

func (s *echoStats) Headers() []string {
	return []string{"Server", "Sent", "Credits", "Min", "Avg", "P95", "Max"}
}

func (s *echoStats) Rows() [][]string {
	return [][]string{{
		s.Server, strconv.Itoa(s.Sent), strconv.Itoa(s.Credits),
		s.Min.String(), s.Avg.String(), s.P95.String(), s.Max.String(),
	}}
}

func newEchoStats(server string, rtts []time.Duration, credits int) *echoStats {
	s := &echoStats{Server: server, Sent: len(rtts), Credits: credits}
	if len(rtts) == 0 {
		return s
	}
	sorted := slices.Clone(rtts)
	slices.Sort(sorted)
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	s.Min, s.Max = sorted[0], sorted[len(sorted)-1]
	s.Avg = total / time.Duration(len(sorted))
	s.P95 = sorted[(len(sorted)*95+99)/100-1]
	return s
}

func runEcho(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	if echoCount < 1 || echoParallel < 1 {
		return fmt.Errorf("--count and --parallel must be positive")
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
		return fmt.Errorf("connect to %s: %w", args[0], err)
	}
	defer conn.Release()

	var (
		mu   sync.Mutex
		rtts = make([]time.Duration, 0, echoCount)
	)
	for sent := 0; sent < echoCount; {
		if sent > 0 && echoInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(echoInterval):
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		round := min(echoParallel, echoCount-sent)
		for range round {
			g.Go(func() error {
				start := time.Now()
				if err := conn.Echo(gctx); err != nil {
					return err
				}
				mu.Lock()
				rtts = append(rtts, time.Since(start))
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
		sent += round
	}

	return output.Print(cmd.OutOrStdout(), format, newEchoStats(conn.Host(), rtts, conn.Credits()))
}
