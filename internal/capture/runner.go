// Package capture drives a capture session end to end: open, filter, poll,
// dump and release, with context cancellation mapped onto BreakPoll.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/pcapguard/internal/config"
	"firestige.xyz/pcapguard/internal/metrics"
	"firestige.xyz/pcapguard/pkg/pcap"
	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// ErrStop may be returned by a Handler to end the run without an error.
var ErrStop = errors.New("capture: stop requested")

// Handler receives every delivered packet. The result aliases engine memory
// and is only valid for the duration of the call.
type Handler func(r pcap.Result) error

// Stop reasons reported in Stats.
const (
	ReasonEOF       = "eof"
	ReasonCount     = "count"
	ReasonCancelled = "cancelled"
	ReasonHandler   = "handler"
)

// Options configures a Runner.
type Options struct {
	// Engine runs the session; nil selects the registry default.
	Engine native.Engine
	// Source is a capture file path, or a device name when Live is set.
	Source   string
	Live     bool
	Snaplen  int
	Promisc  bool
	Timeout  time.Duration
	Filter   string
	Optimize bool
	Netmask  uint32
	// LookupNetmask resolves the netmask of a live device before compiling.
	LookupNetmask bool
	// Count stops the run after that many packets; 0 means no limit.
	Count int
	// WritePath, when set, receives every delivered packet.
	WritePath string
	// Layout overrides the engine's header layout when non-zero.
	Layout native.Layout
	Logger *slog.Logger
}

// OptionsFromConfig builds runner options from the loaded configuration.
func OptionsFromConfig(cfg *config.GlobalConfig, source string, live bool) (Options, error) {
	o := Options{
		Source:   source,
		Live:     live,
		Snaplen:  cfg.Capture.Snaplen,
		Promisc:  cfg.Capture.Promisc,
		Timeout:  cfg.Capture.TimeoutDuration(),
		Optimize: cfg.Capture.Optimize,
		Count:    cfg.Capture.Count,
	}

	mask, auto, err := cfg.Capture.ParseNetmask()
	if err != nil {
		return o, err
	}
	o.Netmask = mask
	o.LookupNetmask = auto

	if cfg.Engine != "" && cfg.Engine != "auto" {
		e, err := native.Lookup(cfg.Engine)
		if err != nil {
			return o, err
		}
		o.Engine = e
	}
	if cfg.HeaderLayout != nil {
		o.Layout = *cfg.HeaderLayout
	}
	return o, nil
}

// Stats summarizes a run.
type Stats struct {
	SessionID string
	Engine    string
	LinkType  layers.LinkType
	Packets   uint64
	Bytes     uint64
	Timeouts  uint64
	Dumped    uint64
	Reason    string
	Duration  time.Duration
}

// Runner executes one capture run per Run call.
type Runner struct {
	opts   Options
	logger *slog.Logger
	onOpen func(*pcap.Session)
}

// NewRunner validates opts and returns a runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Source == "" {
		return nil, fmt.Errorf("capture source is required")
	}
	if opts.Live && opts.Snaplen <= 0 {
		return nil, fmt.Errorf("snaplen must be > 0 for live capture")
	}
	if opts.Count < 0 {
		return nil, fmt.Errorf("count must be >= 0")
	}
	if opts.Engine == nil {
		e, err := native.Default()
		if err != nil {
			return nil, err
		}
		opts.Engine = e
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, logger: logger}, nil
}

// OnOpen registers fn to run once the session is open and its filter is
// attached, before the first poll.
func (r *Runner) OnOpen(fn func(s *pcap.Session)) {
	r.onOpen = fn
}

func (r *Runner) open() (*pcap.Session, error) {
	popts := []pcap.Option{pcap.WithEngine(r.opts.Engine), pcap.WithLogger(r.logger)}
	if !r.opts.Layout.IsZero() {
		popts = append(popts, pcap.WithLayout(r.opts.Layout))
	}
	if r.opts.Live {
		return pcap.OpenLive(r.opts.Source, r.opts.Snaplen, r.opts.Promisc, r.opts.Timeout, popts...)
	}
	return pcap.OpenOffline(r.opts.Source, popts...)
}

// Run opens the session and polls it until EOF, the packet count is
// reached, the handler stops, ctx is cancelled or polling fails. Every
// native resource is released before Run returns.
func (r *Runner) Run(ctx context.Context, handler Handler) (stats Stats, err error) {
	eng := r.opts.Engine.Name()
	stats.Engine = eng
	start := time.Now()
	defer func() { stats.Duration = time.Since(start) }()

	s, err := r.open()
	if err != nil {
		return stats, err
	}
	metrics.OpenSessions.WithLabelValues(eng).Inc()
	defer func() {
		s.Close()
		metrics.OpenSessions.WithLabelValues(eng).Dec()
		metrics.ReleasesTotal.WithLabelValues(eng, metrics.KindSession).Inc()
	}()

	stats.SessionID = s.ID()
	stats.LinkType = s.LinkType()
	log := r.logger.With("session", s.ID(), "source", r.opts.Source)

	if r.opts.Filter != "" {
		if err := r.applyFilter(s, log); err != nil {
			return stats, err
		}
	}

	var d *pcap.Dumper
	if r.opts.WritePath != "" {
		d, err = s.NewDumper(r.opts.WritePath)
		if err != nil {
			return stats, err
		}
		defer func() {
			if err := d.Flush(); err != nil {
				log.Warn("flush capture file failed", "path", d.Path(), "error", err)
			}
			d.Close()
			metrics.ReleasesTotal.WithLabelValues(eng, metrics.KindDumper).Inc()
		}()
	}

	if r.onOpen != nil {
		r.onOpen(s)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.BreakPoll()
		case <-done:
		}
	}()

	polls := func(o pcap.Outcome) {
		metrics.PollsTotal.WithLabelValues(eng, r.opts.Source, o.String()).Inc()
	}

	for {
		if ctx.Err() != nil {
			stats.Reason = ReasonCancelled
			break
		}

		res, err := s.PollNext()
		polls(res.Outcome)

		switch res.Outcome {
		case pcap.OutcomePacket:
			stats.Packets++
			stats.Bytes += uint64(len(res.Data))
			metrics.PacketsTotal.WithLabelValues(eng, r.opts.Source).Inc()
			metrics.BytesTotal.WithLabelValues(eng, r.opts.Source).Add(float64(len(res.Data)))
			metrics.PacketSizeBytes.WithLabelValues(eng).Observe(float64(len(res.Data)))

			if d != nil {
				if err := d.WriteResult(res); err != nil {
					return stats, err
				}
				stats.Dumped++
				metrics.DumpedPacketsTotal.WithLabelValues(eng).Inc()
			}
			if handler != nil {
				if err := handler(res); err != nil {
					if errors.Is(err, ErrStop) {
						stats.Reason = ReasonHandler
						return stats, nil
					}
					return stats, fmt.Errorf("packet handler: %w", err)
				}
			}
			if r.opts.Count > 0 && stats.Packets >= uint64(r.opts.Count) {
				stats.Reason = ReasonCount
				return stats, nil
			}

		case pcap.OutcomeTimeout:
			stats.Timeouts++

		case pcap.OutcomeEOF:
			// a break surfaces as EOF
			if ctx.Err() != nil {
				stats.Reason = ReasonCancelled
			} else {
				stats.Reason = ReasonEOF
			}
			log.Debug("capture finished", "reason", stats.Reason, "packets", stats.Packets)
			return stats, nil

		default:
			log.Error("poll failed", "error", err)
			return stats, err
		}
	}

	log.Debug("capture finished", "reason", stats.Reason, "packets", stats.Packets)
	return stats, nil
}

func (r *Runner) applyFilter(s *pcap.Session, log *slog.Logger) error {
	eng := r.opts.Engine
	netmask := r.opts.Netmask
	if r.opts.LookupNetmask {
		netmask = pcap.NetmaskUnknown
		if r.opts.Live {
			_, mask, err := pcap.LookupNet(r.opts.Source, pcap.WithEngine(eng), pcap.WithLogger(r.logger))
			if err != nil {
				log.Warn("netmask lookup failed, broadcast filters are unavailable", "error", err)
			} else {
				netmask = mask
			}
		}
	}

	p, err := pcap.Compile(s, r.opts.Filter, r.opts.Optimize, netmask)
	if err != nil {
		metrics.FilterCompileFailuresTotal.WithLabelValues(eng.Name()).Inc()
		return err
	}
	defer func() {
		p.Release()
		metrics.ReleasesTotal.WithLabelValues(eng.Name(), metrics.KindProgram).Inc()
	}()

	if err := p.AttachTo(s); err != nil {
		return err
	}
	log.Info("filter attached", "filter", r.opts.Filter)
	return nil
}
