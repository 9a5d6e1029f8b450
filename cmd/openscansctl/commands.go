package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seantiz/openscans/internal/model"
)

const defaultAddr = "http://127.0.0.1:8765"

func newRootCmd(out io.Writer) *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:          "openscansctl",
		Short:        "Control the openscans inference sidecar",
		SilenceUsage: true,
	}
	root.SilenceErrors = true
	root.SetOut(out)
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "openscansd address")

	api := func() *client { return newClient(addr) }

	root.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the inference server and wait until it is healthy",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := api().do(cmd.Context(), http.MethodPost, "/v1/server/start", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), raw)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the inference server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := api().do(cmd.Context(), http.MethodPost, "/v1/server/stop", nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the inference server is running",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := api().do(cmd.Context(), http.MethodGet, "/v1/server/status", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), raw)
			},
		},
		newDetectCmd(api),
		&cobra.Command{
			Use:   "runs",
			Short: "List recent worker runs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := api().do(cmd.Context(), http.MethodGet, "/v1/runs", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), raw)
			},
		},
		newLogsCmd(api),
	)

	return root
}

func newDetectCmd(api func() *client) *cobra.Command {
	var (
		fast   bool
		device string
	)

	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Run vertebra detection on a scan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			req := model.DetectionRequest{FilePath: path, FastMode: fast, Device: device}
			raw, err := api().do(cmd.Context(), http.MethodPost, "/v1/detect", req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().BoolVar(&fast, "fast", true, "use the faster, less precise model")
	cmd.Flags().StringVar(&device, "device", "", "inference device (cpu or cuda)")
	return cmd
}

func newLogsCmd(api func() *client) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Follow a worker run's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := "/v1/runs/" + args[0] + "/logs"

			if history {
				raw, err := api().do(cmd.Context(), http.MethodGet, path+"/history", nil)
				if err != nil {
					return err
				}
				var body struct {
					Lines []model.LogLine `json:"lines"`
				}
				if err := json.Unmarshal(raw, &body); err != nil {
					return fmt.Errorf("decode history: %w", err)
				}
				for _, l := range body.Lines {
					printLine(out, l)
				}
				return nil
			}

			return api().stream(cmd.Context(), path, func(data string) error {
				var l model.LogLine
				if err := json.Unmarshal([]byte(data), &l); err != nil {
					return fmt.Errorf("decode log event: %w", err)
				}
				printLine(out, l)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "print stored output instead of following")
	return cmd
}

func printLine(w io.Writer, l model.LogLine) {
	fmt.Fprintf(w, "[%s] %s\n", l.Stream, l.Line)
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
