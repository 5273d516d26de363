package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/agleyzer/hlsclip/internal/extract"
	"github.com/agleyzer/hlsclip/internal/rendition"
	"github.com/spf13/cobra"
)

func newRenditionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renditions <stream>",
		Short: "List the renditions of a stream and whether a window can be extracted from each",
		Example: `  hlsclip renditions https://example.com/live/master.m3u8
  hlsclip renditions https://www.youtube.com/watch?v=XXXXXXXXXXX`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigFlags(cmd.Flags(), &a.cfg); err != nil {
				return usageError{err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.listRenditions(ctx, extract.Resolver(a.cfg, a.logger), args[0])
		},
	}
	addToolFlags(cmd.Flags())
	addHTTPFlags(cmd.Flags())
	return cmd
}

func (a *app) listRenditions(ctx context.Context, resolver rendition.Resolver, stream string) error {
	list, err := resolver.Renditions(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to list renditions: %w", err)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FORMAT\tDELIVERY\tSEGMENTED\tRESOLUTION\tBANDWIDTH\tCODECS\tNOTE")
	for _, r := range list {
		segmented := "no"
		if r.Delivery.SegmentAddressable() {
			segmented = "yes"
		}
		bandwidth := "-"
		if r.Bandwidth > 0 {
			bandwidth = fmt.Sprintf("%dk", r.Bandwidth/1000)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Selector, r.Delivery, segmented, dash(r.Resolution), bandwidth, dash(r.Codecs), r.Note)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
