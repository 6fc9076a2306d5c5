// remotecctl inspects a running remotecc daemon through its local
// status API.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var serverAddr string

type statusResponse struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data"`
	Error  string                 `json:"error"`
}

func main() {
	root := &cobra.Command{
		Use:           "remotecctl",
		Short:         "inspect a running remotecc dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:19080", "dispatcher status address")

	root.AddCommand(newHealthCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func get(path string) (*statusResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + serverAddr + path)
	if err != nil {
		return nil, fmt.Errorf("cannot reach dispatcher at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()
	out := &statusResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	return out, nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "print the backend health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := get("/healthz")
			if err != nil {
				return err
			}
			fmt.Println(resp.Status)
			if resp.Status != "ok" {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print dispatcher statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := get("/statz")
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Key", "Value"})
			table.SetAutoWrapText(false)

			keys := make([]string, 0, len(resp.Data))
			for k := range resp.Data {
				if k == "subsystems" {
					continue
				}
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				table.Append([]string{k, fmt.Sprintf("%v", resp.Data[k])})
			}
			table.Render()

			if subsystems, ok := resp.Data["subsystems"].(map[string]interface{}); ok {
				names := make([]string, 0, len(subsystems))
				for name := range subsystems {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("\n[%s]\n%v\n", name, subsystems[name])
				}
			}
			return nil
		},
	}
}
