// Command sacn-capdump prints the E1.31 packets in a pcap capture, one line
// per packet.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-sandestin/internal/capture"
	"github.com/coreman2200/funtimes-sandestin/internal/e131"
)

func main() {
	var (
		port     = flag.Int("port", e131.DefaultPort, "UDP port carrying E1.31")
		universe = flag.Int("universe", 0, "only show this universe (0 = all)")
		slots    = flag.Int("slots", 8, "leading slots to print per packet")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] capture.pcap\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	recs, err := capture.ReadFile(flag.Arg(0), *port)
	if err != nil {
		log.Fatal().Err(err).Str("path", flag.Arg(0)).Msg("read capture")
	}

	shown := 0
	for _, r := range recs {
		p := r.Packet
		if *universe != 0 && int(p.Universe) != *universe {
			continue
		}
		head := p.Data
		if len(head) > *slots {
			head = head[:*slots]
		}
		flags := ""
		if p.Options&e131.OptionStreamTerminated != 0 {
			flags = " terminated"
		}
		fmt.Printf("%s %-15s u=%-5d seq=%-3d prio=%-3d slots=%-3d src=%q%s % x\n",
			r.Time.Format("15:04:05.000"), r.Dst, p.Universe, p.Sequence, p.Priority,
			len(p.Data), p.SourceName, flags, head)
		shown++
	}
	log.Info().Int("packets", shown).Int("total", len(recs)).Msg("done")
}
