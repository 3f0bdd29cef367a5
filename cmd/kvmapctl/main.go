package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvmapd/kvmapd/internal/util/atomicwrite"
)

type client struct {
	BaseURL   string
	Token     string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		baseURL = envOr("KVMAPCTL_URL", "http://localhost:8080")
		token   = envOr("KVMAPCTL_TOKEN", "")
		out     = envOr("KVMAPCTL_OUT", "text")
	)

	root := &cobra.Command{
		Use:   "kvmapctl",
		Short: "Admin and operator CLI for a kvmapd cluster",
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "kvmapd HTTP API base URL (env KVMAPCTL_URL)")
	root.PersistentFlags().StringVar(&token, "token", token, "bearer token (env KVMAPCTL_TOKEN)")
	root.PersistentFlags().StringVar(&out, "out", out, "output format: json|text")

	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second}}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cl.BaseURL, cl.Token, cl.OutFormat = baseURL, token, out
	}

	root.AddCommand(
		sizeCmd(cl), getCmd(cl), putCmd(cl), removeCmd(cl), keysCmd(cl), clearCmd(cl),
		clusterCmd(cl), snapshotCmd(cl),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func runSimple(cl *client, method, path string, body []byte) error {
	status, respBody, err := cl.do(method, path, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("request failed: status=%d body=%s", status, string(respBody))
	}
	cl.print(status, respBody)
	return nil
}

func sizeCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Report the number of live entries",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSimple(cl, "GET", "/v1/map/size", nil) },
	}
}

func keysCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List every key currently present",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSimple(cl, "GET", "/v1/map/keys", nil) },
	}
}

func clearCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSimple(cl, "POST", "/v1/map/clear", nil) },
	}
}

func getCmd(cl *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch a key's current versioned value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimple(cl, "GET", "/v1/map/keys/"+args[0], nil)
		},
	}
	return cmd
}

func putCmd(cl *client) *cobra.Command {
	var value string
	var ttl int64
	cmd := &cobra.Command{
		Use:   "put KEY",
		Short: "Write a key, unconditionally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _ := json.Marshal(map[string]any{"value": []byte(value), "ttl": ttl})
			return runSimple(cl, "PUT", "/v1/map/keys/"+args[0], b)
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value to write")
	cmd.Flags().Int64Var(&ttl, "ttl", 0, "logical TTL in ticks, 0 for no expiry")
	return cmd
}

func removeCmd(cl *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove KEY",
		Short: "Remove a key, unconditionally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimple(cl, "DELETE", "/v1/map/keys/"+args[0], nil)
		},
	}
	return cmd
}

func clusterCmd(cl *client) *cobra.Command {
	root := &cobra.Command{Use: "cluster", Short: "Cluster membership operations"}

	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current raft configuration",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSimple(cl, "GET", "/v1/admin/cluster", nil) },
	})

	var addr string
	addCmd := &cobra.Command{
		Use:   "add-voter NODE_ID",
		Short: "Add (or re-address) a voter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("--addr is required")
			}
			b, _ := json.Marshal(map[string]string{"address": addr})
			return runSimple(cl, "POST", "/v1/admin/cluster/voters/"+args[0], b)
		},
	}
	addCmd.Flags().StringVar(&addr, "addr", "", "raft transport address of the new voter")
	root.AddCommand(addCmd)

	root.AddCommand(&cobra.Command{
		Use:   "remove-voter NODE_ID",
		Short: "Remove a voter from the configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimple(cl, "DELETE", "/v1/admin/cluster/voters/"+args[0], nil)
		},
	})

	return root
}

// snapshotCmd pulls a manual snapshot from the node's admin API and writes
// it atomically to disk, mirroring how the node itself archives manual
// snapshots server-side.
func snapshotCmd(cl *client) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manual snapshot operations",
	}
	pull := &cobra.Command{
		Use:  "pull",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do("POST", "/v1/admin/snapshot", nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("snapshot pull failed: status=%d", status)
			}
			if outPath == "" {
				outPath = fmt.Sprintf("snapshot-%d.kvmapsnap", time.Now().UnixNano())
			}
			if err := atomicwrite.AtomicWriteFile(outPath, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Printf("wrote %d bytes to %s\n", len(body), outPath)
			return nil
		},
	}
	pull.Flags().StringVar(&outPath, "out", "", "output file path (default snapshot-<ts>.kvmapsnap)")
	cmd.AddCommand(pull)
	return cmd
}
