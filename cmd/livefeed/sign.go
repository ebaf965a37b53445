package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/livefeed-project/livefeed/internal/wbi"
)

func signCmd() *cobra.Command {
	var imgKey, subKey string
	var wts int64

	cmd := &cobra.Command{
		Use:   "sign key=value...",
		Short: "Print a WBI-signed query string",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args)
			if err != nil {
				return err
			}
			ts := time.Now()
			if wts > 0 {
				ts = time.Unix(wts, 0)
			}
			signed := wbi.SignAt(params, wbi.KeyFromURL(imgKey), wbi.KeyFromURL(subKey), ts)
			fmt.Fprintln(cmd.OutOrStdout(), wbi.Encode(signed))
			return nil
		},
	}
	cmd.Flags().StringVar(&imgKey, "img", "", "img key or img_url from nav")
	cmd.Flags().StringVar(&subKey, "sub", "", "sub key or sub_url from nav")
	cmd.Flags().Int64Var(&wts, "wts", 0, "fixed unix timestamp")
	cmd.MarkFlagRequired("img")
	cmd.MarkFlagRequired("sub")
	return cmd
}

func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}
