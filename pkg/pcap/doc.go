// Package pcap is a safety layer over a native packet capture engine.
//
// It owns three kinds of native resources, each behind a type with a single
// idempotent release method:
//
//   - Session (pcap_t), released by Close
//   - Program (struct bpf_program), released by Release
//   - Dumper (pcap_dumper_t), released by Close
//
// Resources are only created by factories (OpenOffline, OpenLive, OpenDead,
// Compile, NewDumper) that return an error instead of a half-built value.
// Release methods never fail and never panic, so they are safe in defers that
// run while another error is already being returned.
//
// A typical read loop:
//
//	s, err := pcap.OpenOffline("dns.pcap")
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	for {
//		r, err := s.PollNext()
//		if err != nil {
//			return err
//		}
//		switch r.Outcome {
//		case pcap.OutcomeEOF:
//			return nil
//		case pcap.OutcomeTimeout:
//			continue
//		}
//		fmt.Println(r.Header.CaptureLength(), len(r.Data))
//	}
//
// Header and Data of a Result alias engine memory and are only valid until the
// next PollNext. The engine itself is pluggable, see package native.
package pcap
