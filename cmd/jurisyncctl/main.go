// Command jurisyncctl is the operator CLI for a running jurisyncd: trigger
// syncs, inspect status and drive queue admin actions over the HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	timeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "jurisyncctl",
		Short:         "Operate a jurisyncd instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envDefault("JURISYNC_SERVER", "http://localhost:8090"), "base URL of the jurisyncd API")
	root.PersistentFlags().StringVar(&apiKey, "key", os.Getenv("JURISYNC_API_KEY"), "API key (trigger or admin)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "request timeout")

	root.AddCommand(syncCmd(), statusCmd(), jobsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func syncCmd() *cobra.Command {
	var (
		jurisdiction string
		force        bool
		async        bool
		ids          []string
		priority     int
	)
	cmd := &cobra.Command{
		Use:       "sync {courts|judges|decisions}",
		Short:     "Trigger a sync run",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"courts", "judges", "decisions"},
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"jurisdiction": jurisdiction,
				"forceRefresh": force,
				"async":        async,
				"priority":     priority,
			}
			if len(ids) > 0 {
				body["ids"] = ids
			}
			return call(http.MethodPost, "/api/v1/sync/"+args[0], body)
		},
	}
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "restrict the run to one jurisdiction code")
	cmd.Flags().BoolVar(&force, "force", false, "ignore freshness pointers")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue instead of waiting for the run")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "explicit external IDs to refresh")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority for async runs")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the service status snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/status", nil)
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Queue administration",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth and recent run counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/status", nil)
		},
	}

	var cancelType string
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel pending and running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/admin/actions",
				map[string]any{"action": "cancel_jobs", "type": cancelType})
		},
	}
	cancel.Flags().StringVar(&cancelType, "type", "", "only cancel jobs of this type (court, judge, decision)")

	restart := &cobra.Command{
		Use:   "restart",
		Short: "Return expired running jobs to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/admin/actions",
				map[string]any{"action": "restart_queue"})
		},
	}

	jobs.AddCommand(stats, cancel, restart)
	return jobs
}

// call performs one API request and pretty-prints the JSON response.
// Non-2xx answers (other than the expected 207) become errors.
func call(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, serverURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(bytes.TrimSpace(raw)))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
