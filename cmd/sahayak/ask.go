package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/router"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
)

// cliChatID identifies requests made from the command line.
const cliChatID = 0

// requestRouter is the part of the router the ask command needs.
type requestRouter interface {
	Route(ctx context.Context, req router.Request) *router.Reply
}

func askCmd() *cobra.Command {
	var (
		imagePath string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "ask [request]",
		Short: "Route one request and print the reply",
		Long: `Routes one request exactly as a Telegram message would be routed and
prints the reply. Use --image to attach a textbook page for worksheets.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			comps, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, comps, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req := router.Request{ChatID: cliChatID, Text: args[0]}
			if imagePath != "" {
				if req.Image, err = readImage(imagePath); err != nil {
					return err
				}
			}
			return ask(cmd.Context(), a.router, req, cmd.OutOrStdout(), cmd.ErrOrStderr(), verbose)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "image file to attach (a photographed textbook page)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the target and outcome to stderr")
	return cmd
}

// ask prints the reply text. A failed outcome is returned as an error after the
// apology is printed.
func ask(ctx context.Context, r requestRouter, req router.Request, out, errOut io.Writer, verbose bool) error {
	reply := r.Route(ctx, req)
	if verbose {
		fmt.Fprintf(errOut, "target=%s outcome=%s\n", reply.Target, reply.Outcome)
	}
	fmt.Fprintln(out, reply.Text)
	if reply.Outcome == router.OutcomeFailed {
		return reply.Err
	}
	return nil
}

func readImage(path string) (*statebag.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &statebag.Image{
		Data:     data,
		MIMEType: http.DetectContentType(data),
		Source:   "file:" + filepath.Base(path),
	}, nil
}
