// Netforward relays UDP datagrams received on local addresses to one or more
// destinations, broadcast addresses included, unmodified and in arrival
// order. It bridges segments that cannot see each other's broadcasts, such
// as service discovery on two subnets.
//
//	netforward [-v] [-c config.yaml] -p port -s source-ip... -d dest-ip... [-w wg-iface]...
//
// The port is used both for receiving and for sending. Source addresses must
// belong to local interfaces. If datagrams sent to a destination come back
// to a source, they loop forever.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"netforward/internal/common"
	"netforward/internal/config"
	"netforward/internal/relay"
	"netforward/internal/wireguard"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr, wireguard.Destinations))
}

// peerLookup expands WireGuard device names into destination addresses.
type peerLookup func(ifaces []string) ([]common.Address, error)

type options struct {
	configPath string
	port       uint16
	portSet    bool
	sources    addressList
	dests      addressList
	wireguard  []string
	verbose    int
}

// run returns the process exit code. The engine only returns on a fatal
// error, so a started relay always exits 1.
func run(args []string, stderr io.Writer, lookup peerLookup) int {
	flags, opts := newFlagSet(stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "netforward: %v\n", err)
		flags.Usage()
		return 1
	}
	if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "netforward: unexpected arguments: %s\n", strings.Join(flags.Args(), " "))
		flags.Usage()
		return 1
	}
	opts.portSet = flags.Changed("port")

	cfg, err := opts.resolve(lookup)
	if err != nil {
		fmt.Fprintf(stderr, "netforward: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			flags.Usage()
		}
		return 1
	}

	logger := newLogger(stderr, cfg.Verbose)
	engine := relay.NewEngine(*cfg, relay.Options{Logger: logger})
	defer engine.Close()

	err = engine.Run()
	fmt.Fprintf(stderr, "netforward: losing: %v\n", err)
	return 1
}

func newFlagSet(stderr io.Writer) (*pflag.FlagSet, *options) {
	opts := &options{}
	flags := pflag.NewFlagSet("netforward", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SortFlags = false
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: netforward [-v] [-c config] [-p port] [-s source-ip]... [-d dest-ip]... [-w wg-iface]...\n")
		flags.PrintDefaults()
	}

	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration `file`; flags add to it")
	flags.Uint16VarP(&opts.port, "port", "p", 0, "UDP `port` for receiving and sending (required)")
	flags.VarP(&opts.sources, "source", "s", "local IPv4 address to receive on (repeatable)")
	flags.VarP(&opts.dests, "dest", "d", "IPv4 address to send to, broadcast allowed (repeatable)")
	flags.StringArrayVarP(&opts.wireguard, "wireguard", "w", nil, "send to every peer of this WireGuard `device` (repeatable)")
	flags.CountVarP(&opts.verbose, "verbose", "v", "log socket addresses and byte counts")
	return flags, opts
}

// resolve builds the validated configuration: the file, if any, then flags.
// Flag addresses follow the file's, in command-line order.
func (o *options) resolve(lookup peerLookup) (*config.Config, error) {
	cfg := &config.Config{}
	if o.configPath != "" {
		loaded, err := config.LoadFile(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.portSet {
		cfg.Port = o.port
	}
	cfg.Sources = append(cfg.Sources, o.sources...)
	cfg.Dests = append(cfg.Dests, o.dests...)
	if len(o.wireguard) > 0 {
		peers, err := lookup(o.wireguard)
		if err != nil {
			return nil, err
		}
		cfg.Dests = append(cfg.Dests, peers...)
	}
	cfg.Verbose += o.verbose

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose int) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{Prefix: "netforward"})
	if verbose > 0 {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// addressList is a repeatable dotted-decimal IPv4 flag.
type addressList []common.Address

func (l *addressList) Set(text string) error {
	addr, err := common.ParseAddress(text)
	if err != nil {
		return err
	}
	*l = append(*l, addr)
	return nil
}

func (l *addressList) String() string {
	texts := make([]string, 0, len(*l))
	for _, addr := range *l {
		texts = append(texts, addr.String())
	}
	return "[" + strings.Join(texts, ",") + "]"
}

func (l *addressList) Type() string { return "ip" }
