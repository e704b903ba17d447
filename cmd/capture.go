package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapguard/internal/capture"
	"firestige.xyz/pcapguard/pkg/pcap"
)

// captureFlags are shared by read and live.
type captureFlags struct {
	filter string
	count  int
	write  string
	dump   bool
	quiet  bool
}

func (f *captureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.filter, "filter", "f", "", "filter expression (trailing arguments are appended)")
	cmd.Flags().IntVarP(&f.count, "count", "n", -1, "stop after this many packets (overrides config)")
	cmd.Flags().StringVarP(&f.write, "write", "w", "", "write delivered packets to this capture file")
	cmd.Flags().BoolVarP(&f.dump, "dump", "x", false, "dump every decoded layer")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "print only the summary")
}

// apply merges flags and trailing filter words into opts.
func (f *captureFlags) apply(opts *capture.Options, filterArgs []string) {
	expr := strings.TrimSpace(strings.Join(append([]string{f.filter}, filterArgs...), " "))
	opts.Filter = expr
	if f.count >= 0 {
		opts.Count = f.count
	}
	opts.WritePath = f.write
}

// runCapture executes one run, printing packets to out and the summary to
// errOut.
func runCapture(ctx context.Context, opts capture.Options, flags *captureFlags, out, errOut io.Writer) error {
	r, err := capture.NewRunner(opts)
	if err != nil {
		return err
	}

	var handler capture.Handler
	if !flags.quiet {
		p := &printer{out: out, dump: flags.dump}
		r.OnOpen(func(s *pcap.Session) {
			p.linkType = s.LinkType()
			fmt.Fprintf(errOut, "reading from %s, link-type %s, snapshot length %d\n", s.Source(), s.LinkType(), s.Snapshot())
		})
		handler = p.print
	}
	stats, err := r.Run(ctx, handler)
	if err != nil {
		return err
	}
	fmt.Fprintf(errOut, "%d packets captured (%s, %s)", stats.Packets, stats.Engine, stats.Reason)
	if stats.Timeouts > 0 {
		fmt.Fprintf(errOut, ", %d timeouts", stats.Timeouts)
	}
	if stats.Dumped > 0 {
		fmt.Fprintf(errOut, ", %d written to %s", stats.Dumped, opts.WritePath)
	}
	fmt.Fprintln(errOut)
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
