package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sandboxProvider string
	sandboxImage    string
	execLang        string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes directly",
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sandbox",
	Run: func(cmd *cobra.Command, args []string) {
		payload := map[string]any{"provider": sandboxProvider}
		if sandboxImage != "" {
			payload["image"] = sandboxImage
		}

		resp, err := apiDo(http.MethodPost, "/api/sandbox/create", payload)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var info struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("📦 Sandbox %s (%s) on %s\n", info.ID, info.Status, sandboxProvider)
	},
}

var sandboxDestroyCmd = &cobra.Command{
	Use:   "destroy [sandbox-id]",
	Short: "Destroy a sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodPost, sandboxPath(args[0], "destroy", nil), nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)
		fmt.Printf("♻️  Sandbox %s destroyed\n", args[0])
	},
}

var sandboxLsCmd = &cobra.Command{
	Use:   "ls [sandbox-id] [path]",
	Short: "List files in a sandbox directory",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		id, path := remoteArg(args, "/")

		resp, err := apiDo(http.MethodGet, sandboxPath(id, "ls", url.Values{"path": {path}}), nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var result struct {
			Entries []struct {
				Path       string    `json:"path"`
				Type       string    `json:"type"`
				Size       int64     `json:"size"`
				ModifiedAt time.Time `json:"modified_at"`
			} `json:"entries"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := newTabWriter()
		fmt.Fprintln(w, "TYPE\tSIZE\tUPDATED\tPATH")
		for _, e := range result.Entries {
			updated := ""
			if !e.ModifiedAt.IsZero() {
				updated = e.ModifiedAt.Format(time.RFC822)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Type, e.Size, updated, e.Path)
		}
		w.Flush()
	},
}

var sandboxCatCmd = &cobra.Command{
	Use:   "cat [sandbox-id] [path]",
	Short: "Print a sandbox file",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		id, path := remoteArg(args, "")
		if path == "" {
			fmt.Fprintln(os.Stderr, "Path is required. Use ID:path or pass path as second argument")
			os.Exit(1)
		}

		resp, err := apiDo(http.MethodGet, sandboxPath(id, "read", url.Values{"path": {path}}), nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)
		io.Copy(os.Stdout, resp.Body)
	},
}

var sandboxPutCmd = &cobra.Command{
	Use:   "put [local-file] [sandbox-id:path]",
	Short: "Copy a local file into a sandbox",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, path := remoteArg(args[1:], "")
		if path == "" {
			fmt.Fprintln(os.Stderr, "Destination must be ID:path")
			os.Exit(1)
		}

		var src io.Reader
		if args[0] == "-" {
			src = os.Stdin
		} else {
			f, err := os.Open(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", args[0], err)
				os.Exit(1)
			}
			defer f.Close()
			src = f
		}

		resp, err := apiDoRaw(http.MethodPost, sandboxPath(id, "write", url.Values{"path": {path}}), "application/octet-stream", src)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var result struct {
			Path string `json:"path"`
			Size int    `json:"size"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
			fmt.Printf("📄 Wrote %s (%d bytes)\n", result.Path, result.Size)
		}
	},
}

var sandboxExecCmd = &cobra.Command{
	Use:   "exec [sandbox-id] [code]",
	Short: "Run a code snippet in a sandbox",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodPost, sandboxPath(args[0], "exec", nil), map[string]string{
			"language": execLang,
			"code":     args[1],
		})
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var result struct {
			ExitCode int    `json:"exit_code"`
			Stdout   string `json:"stdout"`
			Stderr   string `json:"stderr"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
			os.Exit(1)
		}

		fmt.Print(result.Stdout)
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		os.Exit(result.ExitCode)
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sandboxes",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodGet, "/api/user/sandboxes", nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var result struct {
			Sandboxes []struct {
				SandboxID string    `json:"sandboxId"`
				Provider  string    `json:"provider"`
				Status    string    `json:"status"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"sandboxes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tCREATED")
		for _, s := range result.Sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.SandboxID, s.Provider, s.Status, s.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
	},
}

// sandboxPath builds /api/sandbox/{id}/{op} with the provider flag and any
// extra query values attached.
func sandboxPath(id, op string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if sandboxProvider != "" {
		q.Set("provider", sandboxProvider)
	}
	path := "/api/sandbox/" + url.PathEscape(id) + "/" + op
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return path
}

// remoteArg resolves [id path] or the ID:path shorthand.
func remoteArg(args []string, fallback string) (id, path string) {
	id = args[0]
	path = fallback
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	if len(args) > 1 {
		path = args[1]
	}
	return id, path
}

func init() {
	sandboxCmd.PersistentFlags().StringVarP(&sandboxProvider, "provider", "P", "docker", "Provider backend")
	sandboxCreateCmd.Flags().StringVarP(&sandboxImage, "image", "i", "", "Image to boot")
	sandboxExecCmd.Flags().StringVarP(&execLang, "lang", "l", "python", "Snippet language")

	sandboxCmd.AddCommand(sandboxCreateCmd)
	sandboxCmd.AddCommand(sandboxDestroyCmd)
	sandboxCmd.AddCommand(sandboxLsCmd)
	sandboxCmd.AddCommand(sandboxCatCmd)
	sandboxCmd.AddCommand(sandboxPutCmd)
	sandboxCmd.AddCommand(sandboxExecCmd)
	sandboxCmd.AddCommand(sandboxListCmd)
	RootCmd.AddCommand(sandboxCmd)
}
