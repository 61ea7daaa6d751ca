package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagConfig     string
	flagListen     string
	flagConnect    string
	flagComponents int
	flagControlling bool
	flagHelp       bool
	flagVersion    bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "Configuration file (default: /etc/iceagent/iceagent.yaml)")
	flag.StringVarP(&flagListen, "listen", "l", "", "Run the signaling WebSocket server on this address (e.g. :8443)")
	flag.StringVarP(&flagConnect, "connect", "d", "", "Dial the signaling WebSocket server at this URL (e.g. ws://host:8443/signal)")
	flag.IntVarP(&flagComponents, "components", "n", 1, "Number of components in the stream (2 for RTP+RTCP)")
	flag.BoolVarP(&flagControlling, "controlling", "", false, "Take the ICE controlling role (default: controlled)")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `NAT traversal agent for peer-to-peer media transport

Usage: iceagentd [OPTION]...

Configuration:
  -c, --config=FILE       Configuration file (default: /etc/iceagent/iceagent.yaml)

Signaling:
  -l, --listen=ADDR       Host a signaling WebSocket server at ADDR
  -d, --connect=URL       Dial a peer's signaling WebSocket server at URL

Session:
  -n, --components=NUM    Number of components to negotiate (default: 1)
      --controlling       Take the ICE controlling role (default: controlled)

Miscellaneous:
  -h, --help              Prints this help message and exits
  -v, --version           Prints version information and exits
`

func help() {
	b := color.New(color.FgCyan)
	b.Println("iceagentd")
	fmt.Println(helpString)
}

func version() {
	fmt.Println("iceagentd (development build)")
}
