// Command transcode is the spec's single first-class pipeline example:
// it wires a file or RTP source through an optional pass-through filter
// chain into a file or RTP sink, exercising the control/probe/request
// protocol end to end without owning any codec policy (spec.md §1, §6).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/alxayo/upipe/internal/config"
	"github.com/alxayo/upipe/internal/pipes/filesrc"
	"github.com/alxayo/upipe/internal/pipes/rtpsink"
	"github.com/alxayo/upipe/internal/pipes/rtpsrc"
	"github.com/alxayo/upipe/internal/ubuf"
	"github.com/alxayo/upipe/internal/uclock"
	"github.com/alxayo/upipe/internal/udict"
	"github.com/alxayo/upipe/internal/ulog"
	"github.com/alxayo/upipe/internal/umem"
	"github.com/alxayo/upipe/internal/upipe"
	"github.com/alxayo/upipe/internal/uprobe"
	"github.com/alxayo/upipe/internal/upump"
	"github.com/alxayo/upipe/internal/uref"
)

const (
	defaultClockRate   = 90000
	defaultPayloadType = 96
	defaultSSRC        = 0x1de5a7e
	rtpReorderWindow   = 32
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ulog.Init()
	if cfg.Verbose {
		if err := ulog.SetLevel("debug"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
	logger := ulog.Logger().With("component", "transcode")
	probe := uprobe.NewStdio(logger)

	blockMgr := ubuf.NewBlockMgr(umem.NewSystem(), 0, 0, 8)
	urefMgr := uref.NewStdMgr(udict.NewInlineMgr(0), 0)
	pumpMgr := upump.NewMgr()

	var clock uclock.Clock
	if cfg.FileMode {
		clock = uclock.NewVirtual()
	} else {
		clock = uclock.NewStd()
	}

	teardown, err := run(cfg, probe, blockMgr, urefMgr, pumpMgr, clock)
	if err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeline started", "input", cfg.Input, "output", cfg.Output)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received")
	pumpMgr.Stop()
	teardown()
}

// run wires source -> filter chain -> sink and returns a teardown
// function closing anything the caller opened (sockets, files).
func run(cfg *config.Config, probe *uprobe.Probe, blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr, pumpMgr *upump.Mgr, clock uclock.Clock) (func(), error) {
	sinkPipe, teardownSink, err := buildSink(cfg, probe)
	if err != nil {
		return nil, fmt.Errorf("build sink: %w", err)
	}

	head := sinkPipe
	var filters []string
	if len(cfg.Streams) > 0 && cfg.Streams[0].Filters != "" {
		filters = strings.Split(cfg.Streams[0].Filters, ",")
	}
	for i := len(filters) - 1; i >= 0; i-- {
		name := strings.TrimSpace(filters[i])
		if name == "" {
			continue
		}
		filterPipe, err := newFilterMgr(name).Alloc(probe, nil)
		if err != nil {
			return nil, fmt.Errorf("alloc filter %q: %w", name, err)
		}
		if _, err := filterPipe.Control(upipe.CmdSetOutput, head); err != nil {
			return nil, fmt.Errorf("wire filter %q: %w", name, err)
		}
		head = filterPipe
	}

	teardownSource, err := buildSource(cfg, probe, blockMgr, urefMgr, pumpMgr, clock, head)
	if err != nil {
		teardownSink()
		return nil, fmt.Errorf("build source: %w", err)
	}

	return func() {
		teardownSource()
		teardownSink()
	}, nil
}

func buildSink(cfg *config.Config, probe *uprobe.Probe) (*upipe.Pipe, func(), error) {
	if strings.HasPrefix(cfg.Output, "rtp://") {
		transport, err := newUDPRTPSink(strings.TrimPrefix(cfg.Output, "rtp://"))
		if err != nil {
			return nil, nil, err
		}
		clockRate := uint32(defaultClockRate)
		mgr := rtpsink.NewSinkMgr(defaultSSRC, defaultPayloadType, clockRate, transport, uclock.NewStd())
		p, err := mgr.Alloc(probe, nil)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { transport.Close() }, nil
	}

	p, err := newFileSinkMgr(cfg.Output).Alloc(probe, nil)
	if err != nil {
		return nil, nil, err
	}
	return p, func() { p.Release() }, nil
}

func buildSource(cfg *config.Config, probe *uprobe.Probe, blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr, pumpMgr *upump.Mgr, clock uclock.Clock, out *upipe.Pipe) (func(), error) {
	if strings.HasPrefix(cfg.Input, "rtp://") {
		return buildRTPSource(strings.TrimPrefix(cfg.Input, "rtp://"), probe, blockMgr, urefMgr, clock, out)
	}

	mgr := filesrc.NewMgr(blockMgr, urefMgr)
	p, err := mgr.Alloc(probe, nil)
	if err != nil {
		return nil, err
	}
	if _, err := p.Control(upipe.CmdSetOutput, out); err != nil {
		return nil, err
	}
	if _, err := p.Control(upipe.CmdAttachUpumpMgr, pumpMgr); err != nil {
		return nil, err
	}
	if _, err := p.Control(upipe.CmdSetURI, cfg.Input); err != nil {
		return nil, err
	}
	return func() { p.Release() }, nil
}

func buildRTPSource(addr string, probe *uprobe.Probe, blockMgr *ubuf.BlockMgr, urefMgr *uref.Mgr, clock uclock.Clock, out *upipe.Pipe) (func(), error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp source %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp source %s: %w", addr, err)
	}

	receiver := rtpsrc.NewReceiver(rtpReorderWindow, blockMgr, urefMgr, defaultClockRate, clock, out, probe)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				close(done)
				return
			}
			if isRTCP(buf[:n]) {
				receiver.HandleSenderReport(buf[:n])
				continue
			}
			var pkt rtp.Packet
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				continue
			}
			receiver.HandleRTP(&pkt)
		}
	}()

	return func() { conn.Close(); <-done }, nil
}

// isRTCP distinguishes an RTCP compound packet from an RTP packet by its
// second byte, which carries the RTCP payload type (200-204) instead of
// RTP's marker bit + 7-bit payload type.
func isRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	_, err := rtcp.Unmarshal(buf)
	return err == nil && buf[1] >= 192 && buf[1] <= 223
}
