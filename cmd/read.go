package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/pcapguard/internal/capture"
)

var readFlags captureFlags

var readCmd = &cobra.Command{
	Use:   "read <file> [filter expression...]",
	Short: "Read packets from a capture file",
	Long: `Read packets from a pcap or pcapng file and print one line per packet.

Examples:
  pcapguard read trace.pcap
  pcapguard read trace.pcap udp port 53
  pcapguard read -n 100 -w dns.pcap trace.pcap udp port 53`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := capture.OptionsFromConfig(cfg, args[0], false)
		if err != nil {
			return err
		}
		readFlags.apply(&opts, args[1:])

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runCapture(ctx, opts, &readFlags, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	readFlags.register(readCmd)
}
