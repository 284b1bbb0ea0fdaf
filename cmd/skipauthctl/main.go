package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hellomouse/skipauth/pkg/api"
	"github.com/hellomouse/skipauth/pkg/api/daemon/client"
	"github.com/hellomouse/skipauth/pkg/config"
	pkgversion "github.com/hellomouse/skipauth/pkg/version"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const usage = `Usage: skipauthctl [flags] <command> [args]

Commands:
  add <username> <address|subnet>   Allow username to skip verification from the address or subnet
  remove <username>                 Remove an offline-mode user
  list                              List offline-mode users
  reload                            Reload the offline-mode users list from disk
  whitelist <username> [key file]   Whitelist the offline-mode player username, or the
                                    player verified with the public key in key file
  unwhitelist <username>            Remove username from the whitelist
  ping                              Check that skipauthd is running

Flags:
`

var errUsage = errors.New("invalid command")

func defaultSocket() string {
	dir, err := config.DefaultDir()
	if err != nil {
		return "skipauthd.sock"
	}
	return config.Default(dir).Socket
}

func main() {
	socketFile := flag.String("socket", defaultSocket(), "skipauthd admin API socket file")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	version := flag.Bool("version", false, "Show version")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("skipauthctl version %s\n", strings.TrimPrefix(pkgversion.Version, "v"))
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.New(*socketFile)
	if err != nil {
		logrus.Fatalf("Cannot connect to skipauthd: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := runCommand(ctx, c, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, c client.Client, args []string, w io.Writer) error {
	rm := c.RegistryManager()
	var (
		res *api.CommandResult
		err error
	)
	switch {
	case len(args) == 3 && args[0] == "add":
		res, err = rm.Add(ctx, args[1], args[2])
	case len(args) == 2 && args[0] == "remove":
		res, err = rm.Remove(ctx, args[1])
	case len(args) == 1 && args[0] == "list":
		res, err = rm.List(ctx)
	case len(args) == 1 && args[0] == "reload":
		res, err = rm.Reload(ctx)
	case len(args) == 2 && args[0] == "whitelist":
		res, err = rm.Whitelist(ctx, args[1])
	case len(args) == 3 && args[0] == "whitelist":
		key, rerr := os.ReadFile(args[2])
		if rerr != nil {
			return rerr
		}
		res, err = rm.WhitelistKey(ctx, args[1], string(key))
	case len(args) == 2 && args[0] == "unwhitelist":
		res, err = rm.Unwhitelist(ctx, args[1])
	case len(args) == 1 && args[0] == "ping":
		if err := c.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "skipauthd is running")
		return nil
	default:
		return fmt.Errorf("%w: %s", errUsage, strings.Join(args, " "))
	}
	if err != nil {
		return err
	}
	for _, l := range res.Lines {
		fmt.Fprintln(w, l)
	}
	return nil
}
