package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var keyLabel string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage provider credentials",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your provider keys",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodGet, "/api/user/keys", nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var result struct {
			Keys []struct {
				ID        string    `json:"id"`
				Provider  string    `json:"provider"`
				Label     string    `json:"label"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"keys"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tPROVIDER\tLABEL\tCREATED")
		for _, k := range result.Keys {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.ID, k.Provider, k.Label, k.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add [provider] [secret]",
	Short: "Store a provider key",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodPost, "/api/user/keys", map[string]string{
			"provider": args[0],
			"secret":   args[1],
			"label":    keyLabel,
		})
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var created struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("🔑 Stored %s key %s\n", args[0], created.ID)
	},
}

var keysRmCmd = &cobra.Command{
	Use:   "rm [key-id]",
	Short: "Delete a provider key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodDelete, "/api/user/keys/"+url.PathEscape(args[0]), nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)
		fmt.Printf("Deleted key %s\n", args[0])
	},
}

func init() {
	keysAddCmd.Flags().StringVar(&keyLabel, "label", "", "Human-readable label")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysRmCmd)
	RootCmd.AddCommand(keysCmd)
}
