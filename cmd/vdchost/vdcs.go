package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/protocol"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

const (
	clientName     = "vdchost-cli"
	defaultTimeout = 5 * time.Second
)

// clientFlags are shared by commands that talk to a running host.
type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "",
		"host address (default: host.address and host.port from the config file)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", defaultTimeout, "request timeout")
}

// dial connects to --addr, or to the endpoint configured for serve.
func (f *clientFlags) dial(cmd *cobra.Command) (*protocol.Client, context.Context, context.CancelFunc, error) {
	addr := f.addr
	if addr == "" {
		cfg, err := config.LoadOrDefault(configPath(cmd))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading config: %w", err)
		}
		hostAddr := cfg.Host.Address
		if hostAddr == "" || hostAddr == "0.0.0.0" || hostAddr == "::" {
			hostAddr = "127.0.0.1"
		}
		addr = net.JoinHostPort(hostAddr, strconv.Itoa(cfg.Host.Port))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	client, err := protocol.Dial(ctx, addr, clientName)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return client, ctx, cancel, nil
}

// vdcListing is the JSON shape printed by "vdcs --json".
type vdcListing struct {
	Host       dsuid.DSUID     `json:"host"`
	Containers []vdc.Container `json:"containers"`
	Devices    []vdc.Device    `json:"devices,omitempty"`
}

func newVDCsCmd() *cobra.Command {
	var (
		flags       clientFlags
		withDevices bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "vdcs",
		Short: "List the vDCs of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, cancel, err := flags.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close() //nolint:errcheck // Best effort on exit

			listing := vdcListing{Host: client.HostDsuid()}
			if listing.Containers, err = client.Containers(ctx); err != nil {
				return fmt.Errorf("listing vdcs: %w", err)
			}
			if withDevices {
				if listing.Devices, err = client.Devices(ctx, dsuid.DSUID{}); err != nil {
					return fmt.Errorf("listing devices: %w", err)
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}
			return printListing(cmd.OutOrStdout(), listing, withDevices)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&withDevices, "devices", "d", false, "include devices")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printListing(out io.Writer, l vdcListing, withDevices bool) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "HOST\t%s\n\n", l.Host)
	fmt.Fprintln(w, "DSUID\tNAME\tMODEL\tMODEL UID")
	for _, c := range l.Containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Dsuid, c.Name, c.Model, c.ModelUID)
	}
	if withDevices {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DSUID\tNAME\tVDC\tPROPERTIES")
		for _, d := range l.Devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.Dsuid, d.Name, d.Container, len(d.Properties))
		}
	}
	return w.Flush()
}
