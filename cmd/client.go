package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/kisy/kipepeo/pkg/config"
)

var apiAddr string

func addAPIFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiAddr, "addr", "", "Control API address (defaults to listen from the config)")
}

// apiBase resolves the control API URL. Wildcard listen addresses are dialled on
// loopback.
func apiBase() (string, error) {
	addr := apiAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return "", err
		}
		addr = cfg.Listen
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid api address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// callAPI sends a request and returns the decoded envelope. A response with
// success=false is an error carrying the server's message.
func callAPI(method, path string) (gjson.Result, error) {
	base, err := apiBase()
	if err != nil {
		return gjson.Result{}, err
	}
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return gjson.Result{}, err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to reach kipepeo at %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("unexpected response (%s)", resp.Status)
	}
	env := gjson.ParseBytes(body)
	if !env.Get("success").Bool() {
		msg := env.Get("error.message").String()
		if msg == "" {
			msg = resp.Status
		}
		return env, fmt.Errorf("%s", msg)
	}
	return env, nil
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status and savings of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := callAPI(http.MethodGet, "/api/status")
			if err != nil {
				return err
			}
			stats, err := callAPI(http.MethodGet, "/api/stats")
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status.Get("data"), stats.Get("data"))
			return nil
		},
	}
	addAPIFlag(cmd)
	return cmd
}

func printStatus(w io.Writer, status, stats gjson.Result) {
	fmt.Fprintf(w, "State:     %s\n", status.Get("state").String())
	fmt.Fprintf(w, "Hook:      %s\n", status.Get("hook_status").String())
	if e := status.Get("error").String(); e != "" {
		fmt.Fprintf(w, "Error:     %s\n", e)
	}
	fmt.Fprintf(w, "Root:      %t\n", status.Get("root_available").Bool())
	fmt.Fprintf(w, "Saved:     %s (ratio %s)\n", stats.Get("saved").String(), stats.Get("ratio").String())
	fmt.Fprintf(w, "Used:      %s\n", humanize.Bytes(stats.Get("bytes_used").Uint()))
	fmt.Fprintf(w, "Sessions:  %d completed, %d aborted\n", stats.Get("samples").Uint(), stats.Get("aborted").Uint())
	if rx, tx := stats.Get("device_received").Uint(), stats.Get("device_sent").Uint(); rx > 0 || tx > 0 {
		fmt.Fprintf(w, "Device:    %s received, %s sent\n", humanize.Bytes(rx), humanize.Bytes(tx))
	}
	if since := stats.Get("since").Time(); !since.IsZero() {
		fmt.Fprintf(w, "Since:     %s (%s)\n", since.Local().Format(time.DateTime), humanize.Time(since))
	}
}

func newActionCommand(use, short, path string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := callAPI(http.MethodPost, path)
			if err != nil {
				return err
			}
			msg := env.Get("message").String()
			if msg == "" {
				msg = "ok"
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	addAPIFlag(cmd)
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
}
