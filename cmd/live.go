package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapguard/internal/capture"
)

var (
	liveFlags   captureFlags
	liveSnaplen int
	livePromisc bool
	liveTimeout time.Duration
)

var liveCmd = &cobra.Command{
	Use:   "live <device> [filter expression...]",
	Short: "Capture packets from a network interface",
	Long: `Capture packets from a live interface until interrupted, the packet
count is reached or the device goes away. Usually needs root or CAP_NET_RAW.

Examples:
  pcapguard live eth0
  pcapguard live -n 10 eth0 tcp port 443
  pcapguard live --promisc -w out.pcap any`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := capture.OptionsFromConfig(cfg, args[0], true)
		if err != nil {
			return err
		}
		liveFlags.apply(&opts, args[1:])
		if cmd.Flags().Changed("snaplen") {
			opts.Snaplen = liveSnaplen
		}
		if cmd.Flags().Changed("promisc") {
			opts.Promisc = livePromisc
		}
		if cmd.Flags().Changed("timeout") {
			opts.Timeout = liveTimeout
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runCapture(ctx, opts, &liveFlags, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	liveFlags.register(liveCmd)
	liveCmd.Flags().IntVarP(&liveSnaplen, "snaplen", "s", 262144, "bytes to capture per packet (overrides config)")
	liveCmd.Flags().BoolVarP(&livePromisc, "promisc", "p", false, "put the interface in promiscuous mode (overrides config)")
	liveCmd.Flags().DurationVarP(&liveTimeout, "timeout", "t", time.Second, "read timeout, 0 blocks (overrides config)")
}
