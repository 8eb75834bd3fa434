package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var daemonAddr string

func addClientCommands(root *cobra.Command) {
	defaultAddr := strings.TrimSpace(os.Getenv("ENTITLEMENTS_LISTEN_ADDR"))
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:7480"
	}
	root.PersistentFlags().StringVar(&daemonAddr, "addr", defaultAddr, "address of a running entitlement daemon")

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current entitlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callDaemon(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/api/entitlement", nil)
		},
	})

	var surface string
	adsCmd := &cobra.Command{
		Use:   "ads",
		Short: "Show ad decisions for every surface, or one with --surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if surface != "" {
				return callDaemon(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/api/ads?surface="+surface, nil)
			}
			return callDaemon(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/api/ads/table", nil)
		},
	}
	adsCmd.Flags().StringVar(&surface, "surface", "", "single ad surface to evaluate")
	root.AddCommand(adsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "start-trial",
		Short: "Start the free trial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callDaemon(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/api/trial/start", nil)
		},
	})

	var productID string
	purchaseCmd := &cobra.Command{
		Use:   "purchase",
		Short: "Launch the Pro purchase flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if productID != "" {
				body = map[string]string{"product_id": productID}
			}
			return callDaemon(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/api/purchase", body)
		},
	}
	purchaseCmd.Flags().StringVar(&productID, "product", "", "product id (defaults to the daemon's configured product)")
	root.AddCommand(purchaseCmd)

	root.AddCommand(&cobra.Command{
		Use:   "cancel",
		Short: "Cancel auto-renewal of the Pro subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callDaemon(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/api/subscription/cancel", nil)
		},
	})
}

// callDaemon sends one request to the local daemon and prints the JSON reply.
func callDaemon(ctx context.Context, out io.Writer, method, path string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	base := daemonAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon at %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read daemon response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
