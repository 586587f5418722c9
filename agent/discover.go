package main

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
)

// serviceType is announced by the sync server.
const serviceType = "_collabtext._tcp"

type DiscoverOptions struct {
	*RootOptions
	Timeout time.Duration
}

func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find CollabText servers on the local network",
		Long: `Browse mDNS for CollabText sync servers and print their addresses.

Example:
  collabtext-agent discover --timeout 5s`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			servers, err := discover(ctx)
			if err != nil {
				return err
			}
			for _, s := range servers {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			if len(servers) == 0 {
				opts.Log.Info("No servers found.")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "how long to browse")

	return cmd
}

// discover browses until ctx is done and returns each server as instance
// followed by its relay URL.
func discover(ctx context.Context) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var out []string
		for entry := range results {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			out = append(out, fmt.Sprintf("%s\thttp://%s:%d", entry.Instance, entry.AddrIPv4[0], entry.Port))
		}
		found <- out
	}(entries)

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}
