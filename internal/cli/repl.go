package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl [sandbox-id]",
	Short: "Run commands interactively in a sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]

		wsBase := strings.Replace(strings.Replace(serverURL, "https://", "wss://", 1), "http://", "ws://", 1)
		target := strings.TrimSuffix(wsBase, "/") + "/api/sandbox/" + url.PathEscape(id) + "/interact"
		if sandboxProvider != "" {
			target += "?provider=" + url.QueryEscape(sandboxProvider)
		}

		header := http.Header{}
		setAuth(header)

		c, resp, err := websocket.DefaultDialer.Dial(target, header)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Dial failed: %v\n", err)
			os.Exit(1)
		}
		if resp != nil {
			resp.Body.Close()
		}
		defer c.Close()

		fmt.Println("Connected. Each line runs in the sandbox; CTRL+C to exit.")

		done := make(chan struct{})
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)

		// goroutine: WS -> local stdout
		go func() {
			defer close(done)
			for {
				_, message, err := c.ReadMessage()
				if err != nil {
					return
				}

				var frame struct {
					Channel string `json:"channel"`
					Data    string `json:"data"`
					Event   string `json:"event"`
					Error   string `json:"error"`
					Kind    string `json:"kind"`
				}
				if err := json.Unmarshal(message, &frame); err != nil {
					fmt.Print(string(message))
					continue
				}

				switch {
				case frame.Channel == "stderr":
					fmt.Fprint(os.Stderr, frame.Data)
				case frame.Channel != "":
					fmt.Print(frame.Data)
				case frame.Event == "error":
					fmt.Fprintf(os.Stderr, "\n[Error] %s (%s)\n", frame.Error, frame.Kind)
				case frame.Event == "done":
					fmt.Print("$ ")
				}
			}
		}()

		// goroutine: local stdin -> WS, one command per line
		go func() {
			fmt.Print("$ ")
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" {
					fmt.Print("$ ")
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					fmt.Fprintf(os.Stderr, "\nWrite error: %v\n", err)
					return
				}
			}
		}()

		select {
		case <-done:
			return
		case <-interrupt:
			fmt.Println("\nInterrupt received, closing...")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return
			}
			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
			return
		}
	},
}

func init() {
	replCmd.Flags().StringVarP(&sandboxProvider, "provider", "P", "docker", "Provider backend")
	RootCmd.AddCommand(replCmd)
}
