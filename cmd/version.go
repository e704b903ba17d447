package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/native"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information for pcapguard and every capture engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVersion(cmd.OutOrStdout())
	},
}

func runVersion(out io.Writer) error {
	fmt.Fprintf(out, "pcapguard %s\n", Version)

	def, err := native.Default()
	for _, name := range native.Names() {
		e, lerr := native.Lookup(name)
		if lerr != nil {
			continue
		}
		v, verr := pcap.LibVersion(pcap.WithEngine(e))
		if verr != nil {
			v = "unavailable: " + verr.Error()
		}
		marker := " "
		if err == nil && def.Name() == name {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %-8s %s\n", marker, name, v)
	}
	return nil
}
