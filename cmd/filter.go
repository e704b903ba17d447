package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
	"golang.org/x/net/bpf"

	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/native"
)

var (
	filterLinkType string
	filterSnaplen  int
	filterRaw      bool
)

var filterCmd = &cobra.Command{
	Use:   "filter <expression...>",
	Short: "Compile a filter expression and print its BPF program",
	Long: `Compile a filter expression against a link type without opening a device
and print the resulting program, one instruction per line.

Examples:
  pcapguard filter tcp port 80
  pcapguard filter --linktype raw ip6 and udp
  pcapguard filter --raw 'host 10.0.0.1'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lt, err := parseLinkType(filterLinkType)
		if err != nil {
			return err
		}
		eng, err := resolveEngine(cfg.Engine)
		if err != nil {
			return err
		}
		mask, _, err := cfg.Capture.ParseNetmask()
		if err != nil {
			return err
		}
		return runFilter(cmd.OutOrStdout(), eng, lt, filterSnaplen, strings.Join(args, " "), cfg.Capture.Optimize, mask, filterRaw)
	},
}

func init() {
	filterCmd.Flags().StringVarP(&filterLinkType, "linktype", "l", "ethernet",
		"link type name (ethernet, raw, ipv4, ipv6, linux_sll, null) or DLT number")
	filterCmd.Flags().IntVarP(&filterSnaplen, "snaplen", "s", 262144, "snapshot length the program accepts")
	filterCmd.Flags().BoolVar(&filterRaw, "raw", false, "print raw opcodes instead of assembly")
}

// runFilter compiles expr on a dead session and writes the program to out.
func runFilter(out io.Writer, eng native.Engine, lt layers.LinkType, snaplen int, expr string, optimize bool, netmask uint32, raw bool) error {
	s, err := pcap.OpenDead(lt, snaplen, pcap.WithEngine(eng))
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := pcap.Compile(s, expr, optimize, netmask)
	if err != nil {
		return err
	}
	defer p.Release()

	insns, err := p.Instructions()
	if err != nil {
		return err
	}

	if raw {
		for _, in := range insns {
			fmt.Fprintf(out, "{ 0x%02x, %d, %d, 0x%08x },\n", in.Op, in.Jt, in.Jf, in.K)
		}
		return nil
	}

	decoded, _ := bpf.Disassemble(insns)
	for i, in := range decoded {
		fmt.Fprintf(out, "(%03d) %s\n", i, in)
	}
	return nil
}

var linkTypeNames = map[string]layers.LinkType{
	"ethernet":  layers.LinkTypeEthernet,
	"en10mb":    layers.LinkTypeEthernet,
	"raw":       layers.LinkTypeRaw,
	"ipv4":      layers.LinkTypeIPv4,
	"ipv6":      layers.LinkTypeIPv6,
	"linux_sll": layers.LinkTypeLinuxSLL,
	"sll":       layers.LinkTypeLinuxSLL,
	"null":      layers.LinkTypeNull,
	"loop":      layers.LinkTypeLoop,
}

func parseLinkType(s string) (layers.LinkType, error) {
	if lt, ok := linkTypeNames[strings.ToLower(s)]; ok {
		return lt, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown link type %q", s)
	}
	return layers.LinkType(n), nil
}

// resolveEngine maps a configured engine name to a registered engine.
func resolveEngine(name string) (native.Engine, error) {
	if name == "" || name == "auto" {
		return native.Default()
	}
	return native.Lookup(name)
}
