package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pcapguard/pkg/pcap"
)

// printer writes one summary line per packet, optionally followed by a
// per-layer dump.
type printer struct {
	out      io.Writer
	linkType layers.LinkType
	dump     bool
}

func (p *printer) print(r pcap.Result) error {
	h, err := r.Header.Decode()
	if err != nil {
		return err
	}

	pkt := gopacket.NewPacket(r.Data, p.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	names := make([]string, 0, 4)
	for _, l := range pkt.Layers() {
		if l.LayerType() == gopacket.LayerTypePayload {
			continue
		}
		names = append(names, l.LayerType().String())
	}
	stack := strings.Join(names, "/")
	if stack == "" {
		stack = p.linkType.String()
	}

	_, err = fmt.Fprintf(p.out, "%s %s %s caplen=%d len=%d\n",
		h.Timestamp().UTC().Format("2006-01-02T15:04:05.000000Z"), stack, endpoints(pkt), h.CaptureLength, h.Length)
	if err != nil {
		return err
	}
	if p.dump {
		_, err = io.WriteString(p.out, pkt.Dump())
	}
	return err
}

// endpoints renders "src > dst" from the network and transport layers.
func endpoints(pkt gopacket.Packet) string {
	nl := pkt.NetworkLayer()
	if nl == nil {
		if ll := pkt.LinkLayer(); ll != nil {
			f := ll.LinkFlow()
			return f.Src().String() + " > " + f.Dst().String()
		}
		return "-"
	}
	src, dst := nl.NetworkFlow().Endpoints()
	if tl := pkt.TransportLayer(); tl != nil {
		sp, dp := tl.TransportFlow().Endpoints()
		return fmt.Sprintf("%s.%s > %s.%s", src, sp, dst, dp)
	}
	return src.String() + " > " + dst.String()
}
