package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

var (
	runRepo      string
	runBranch    string
	runTask      string
	runTaskFile  string
	runProviders []string
	runDetach    bool
	runMaxIter   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Race an agent run across providers",
	Long: `Starts a run: each provider gets a fresh sandbox, the repository is
cloned into it, the agent is installed and launched against the task, and
events stream back live. CTRL+C stops the run and destroys its sandboxes.`,
	Run: func(cmd *cobra.Command, args []string) {
		task := runTask
		if runTaskFile != "" {
			data, err := os.ReadFile(runTaskFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read task file: %v\n", err)
				os.Exit(1)
			}
			task = string(data)
		}
		if runRepo == "" || task == "" || len(runProviders) == 0 {
			fmt.Fprintln(os.Stderr, "repo, task and at least one provider are required")
			os.Exit(1)
		}

		payload := map[string]any{
			"repoUrl":   runRepo,
			"branch":    runBranch,
			"task":      task,
			"providers": runProviders,
		}
		if runMaxIter > 0 {
			payload["config"] = map[string]any{"maxIterations": runMaxIter}
		}

		resp, err := apiDo(http.MethodPost, "/api/run/start", payload)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var started struct {
			RunID string `json:"runId"`
			Lanes []struct {
				Provider  string `json:"provider"`
				SandboxID string `json:"sandboxId"`
				Success   bool   `json:"success"`
				Error     string `json:"error"`
			} `json:"providers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
			fmt.Fprintf(os.Stderr, "Bad response: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("🏁 Run %s\n", started.RunID)
		for _, lane := range started.Lanes {
			if lane.Success {
				fmt.Printf("  %-12s sandbox %s\n", lane.Provider, lane.SandboxID)
			} else {
				fmt.Printf("  %-12s failed: %s\n", lane.Provider, lane.Error)
			}
		}

		if runDetach {
			fmt.Printf("\nFollow with: %s logs %s\n", RootCmd.Use, started.RunID)
			return
		}
		followRun(started.RunID)
	},
}

// followRun tails the run's SSE stream until the terminal frame, stopping
// the run on interrupt.
func followRun(runID string) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Fprintln(os.Stderr, "\nStopping run...")
		if resp, err := apiDo(http.MethodPost, "/api/run/"+runID+"/stop", nil); err == nil {
			resp.Body.Close()
		}
	}()

	req, err := http.NewRequest(http.MethodGet, apiURL("/api/run/"+runID+"/stream"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
	setAuth(req.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		connectFail(err)
	}
	defer resp.Body.Close()
	mustOK(resp)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		printEvent(data)
	}
}

// printEvent renders one bus event for the terminal.
func printEvent(data string) {
	var evt struct {
		Type     string `json:"type"`
		Provider string `json:"provider"`
		Data     struct {
			Message   string `json:"message"`
			URL       string `json:"url"`
			Status    string `json:"status"`
			Kind      string `json:"kind"`
			Iteration int    `json:"iteration"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return
	}

	prefix := evt.Provider
	if prefix == "" {
		prefix = "run"
	}

	switch evt.Type {
	case "ping":
	case "clone_progress", "install_progress":
		fmt.Printf("  [%s] %s\n", prefix, evt.Data.Message)
	case "status":
		fmt.Printf("  [%s] %s\n", prefix, evt.Data.Message)
	case "opencode_ready":
		fmt.Printf("  [%s] agent ready at %s\n", prefix, evt.Data.URL)
	case "ralph_iteration":
		fmt.Printf("  [%s] iteration %d\n", prefix, evt.Data.Iteration)
	case "error":
		fmt.Printf("  [%s] ❌ %s (%s)\n", prefix, evt.Data.Message, evt.Data.Kind)
	case "complete":
		fmt.Printf("\n🏆 Run finished: %s\n", evt.Data.Status)
	default:
		if evt.Data.Message != "" {
			fmt.Printf("  [%s] %s: %s\n", prefix, evt.Type, evt.Data.Message)
		} else {
			fmt.Printf("  [%s] %s\n", prefix, evt.Type)
		}
	}
}

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Stream events from a run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		followRun(args[0])
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List your runs",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := apiDo(http.MethodGet, "/api/user/runs", nil)
		if err != nil {
			connectFail(err)
		}
		defer resp.Body.Close()
		mustOK(resp)

		var result struct {
			Runs []struct {
				ID        string `json:"id"`
				RepoURL   string `json:"repoUrl"`
				Status    string `json:"status"`
				StartedAt string `json:"startedAt"`
				Lanes     []struct {
					Provider string `json:"provider"`
				} `json:"lanes"`
			} `json:"runs"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
			os.Exit(1)
		}

		w := newTabWriter()
		fmt.Fprintln(w, "ID\tSTATUS\tPROVIDERS\tREPO\tSTARTED")
		for _, r := range result.Runs {
			providers := make([]string, len(r.Lanes))
			for i, l := range r.Lanes {
				providers[i] = l.Provider
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, strings.Join(providers, ","), r.RepoURL, r.StartedAt)
		}
		w.Flush()
	},
}

func init() {
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Repository URL to clone")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch to check out")
	runCmd.Flags().StringVar(&runTask, "task", "", "Task for the agent")
	runCmd.Flags().StringVar(&runTaskFile, "task-file", "", "Read the task from a file")
	runCmd.Flags().StringSliceVar(&runProviders, "providers", []string{"docker"}, "Providers to race")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "Start the run and exit")
	runCmd.Flags().IntVar(&runMaxIter, "max-iterations", 0, "Cap on agent loop iterations")
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(logsCmd)
	RootCmd.AddCommand(runsCmd)
}
