package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/warppool/warppool/pkg/api/daemon/client"
	pkgversion "github.com/warppool/warppool/pkg/version"
)

var (
	panelURL string
	password string
	token    string
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: warpctl [flags] COMMAND [args]

Commands:
  status                      Show connection status
  connect                     Connect the active backend
  disconnect                  Disconnect the active backend
  rotate                      Rotate the egress IP
  backend [usque|official]    Show or switch the backend
  mode [proxy|tun]            Show or set the network mode
  protocol [masque|wireguard] Show or set the tunnel protocol
  endpoint ADDR               Set a custom endpoint ("" resets)
  excludes [add|remove] CIDR  List or edit split-tunnel exclusions
  version                     Show daemon version

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.StringVar(&panelURL, "url", "http://127.0.0.1:8000", "Panel API base URL")
	flag.StringVar(&password, "password", os.Getenv("PANEL_PASSWORD"), "Panel password (or $PANEL_PASSWORD)")
	flag.StringVar(&token, "token", "", "Session token, skips login")
	timeout := flag.Duration("timeout", 2*time.Minute, "Request timeout")
	version := flag.Bool("version", false, "Show warpctl version")
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("warpctl version %s\n", strings.TrimPrefix(pkgversion.Version, "v"))
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(panelURL)
	if token != "" {
		c.SetToken(token)
	} else if password != "" {
		if err := c.Login(ctx, password); err != nil {
			logrus.Fatalf("login failed: %v", err)
		}
	}

	if err := run(ctx, c, flag.Args()); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, c *client.Client, args []string) error {
	switch args[0] {
	case "status":
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "connect":
		status, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "disconnect":
		status, err := c.Disconnect(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "rotate":
		status, err := c.RotateIP(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case "backend":
		if len(args) < 2 {
			info, err := c.CurrentBackend(ctx)
			if err != nil {
				return err
			}
			return printJSON(info)
		}
		resp, err := c.SwitchBackend(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(resp)
	case "mode":
		if len(args) < 2 {
			mode, err := c.Mode(ctx)
			if err != nil {
				return err
			}
			fmt.Println(mode)
			return nil
		}
		return c.SetMode(ctx, args[1])
	case "protocol":
		if len(args) < 2 {
			proto, err := c.Protocol(ctx)
			if err != nil {
				return err
			}
			fmt.Println(proto)
			return nil
		}
		return c.SetProtocol(ctx, args[1])
	case "endpoint":
		if len(args) < 2 {
			return fmt.Errorf("endpoint requires an address argument")
		}
		status, err := c.SetEndpoint(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(status)
	case "excludes":
		if len(args) < 2 {
			subnets, err := c.ListExcludes(ctx)
			if err != nil {
				return err
			}
			for _, s := range subnets {
				fmt.Println(s)
			}
			return nil
		}
		if len(args) < 3 {
			return fmt.Errorf("excludes %s requires at least one subnet", args[1])
		}
		switch args[1] {
		case "add":
			return c.AddExcludes(ctx, args[2:])
		case "remove":
			return c.RemoveExcludes(ctx, args[2:])
		default:
			return fmt.Errorf("unknown excludes action %q", args[1])
		}
	case "version":
		v, err := c.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
