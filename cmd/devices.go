package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/native"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices available for live capture",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := resolveEngine(cfg.Engine)
		if err != nil {
			return err
		}
		return runDevices(cmd.OutOrStdout(), eng)
	},
}

// runDevices prints one numbered line per device, tcpdump -D style.
func runDevices(out io.Writer, eng native.Engine) error {
	devs, err := pcap.FindAllDevs(pcap.WithEngine(eng))
	if err != nil {
		return err
	}
	for i, d := range devs {
		line := fmt.Sprintf("%d.%s", i+1, d.Name)
		if d.Description != "" {
			line += " (" + d.Description + ")"
		}
		if flags := deviceFlags(d.Flags); flags != "" {
			line += " [" + flags + "]"
		}
		for _, a := range d.Addresses {
			if ones, bits := a.Netmask.Size(); bits > 0 {
				line += fmt.Sprintf(" %s/%d", a.IP, ones)
			} else {
				line += " " + a.IP.String()
			}
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func deviceFlags(f uint32) string {
	var names []string
	if f&native.IfUp != 0 {
		names = append(names, "Up")
	}
	if f&native.IfRunning != 0 {
		names = append(names, "Running")
	}
	if f&native.IfLoopback != 0 {
		names = append(names, "Loopback")
	}
	return strings.Join(names, ", ")
}
