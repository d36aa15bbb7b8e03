package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ctf-arena/internal/api"
	"ctf-arena/internal/flag"
)

var (
	serverURL  string
	apiKey     string
	ownerToken string

	flagTemplate string
	flagSecret   string
	flagPrefix   string
)

func main() {
	root := &cobra.Command{
		Use:          "ctfctl",
		Short:        "CLI client for the ctf-arena server",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ARENA_API_KEY"), "Operator API key")
	root.PersistentFlags().StringVar(&ownerToken, "token", os.Getenv("ARENA_OWNER_TOKEN"), "Owner token")

	root.AddCommand(&cobra.Command{
		Use:   "submit [challenge-id] [answer]",
		Short: "Submit an answer; reads it from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSubmit,
	})

	root.AddCommand(&cobra.Command{
		Use:   "submission [id]",
		Short: "Show the status of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/submissions/"+args[0], nil)
		},
	})

	instanceCmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage challenge instances",
	}
	instanceCmd.AddCommand(
		&cobra.Command{
			Use:   "create [challenge-id]",
			Short: "Provision (or return) your instance of a challenge",
			Args:  cobra.ExactArgs(1),
			RunE:  runInstanceCreate,
		},
		&cobra.Command{
			Use:   "get [id]",
			Short: "Show an instance",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodGet, "/instances/"+args[0], nil)
			},
		},
		&cobra.Command{
			Use:   "extend [id]",
			Short: "Extend an instance inside its renewal window",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodPost, "/instances/"+args[0]+"/extend", nil)
			},
		},
		&cobra.Command{
			Use:   "stop [id]",
			Short: "Destroy an instance",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return call(http.MethodDelete, "/instances/"+args[0], nil)
			},
		},
	)
	root.AddCommand(instanceCmd)

	root.AddCommand(&cobra.Command{
		Use:   "scoreboard [game-id]",
		Short: "Print the cached scoreboard of a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/games/"+args[0]+"/scoreboard", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/health", nil)
		},
	})

	flagCmd := &cobra.Command{
		Use:   "flag",
		Short: "Offline flag tooling",
	}
	generateCmd := &cobra.Command{
		Use:   "generate [challenge-id]",
		Short: "Compute the flag an owner gets for a challenge, without contacting the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlagGenerate,
	}
	generateCmd.Flags().StringVar(&flagTemplate, "template", "", "Flag template, e.g. 'flag{[TEAM_HASH]}'")
	generateCmd.Flags().StringVar(&flagSecret, "secret", os.Getenv("ARENA_SIGNING_SECRET"), "Game signing secret")
	generateCmd.Flags().StringVar(&flagPrefix, "prefix", flag.DefaultPrefix, "Prefix for untemplated flags")
	flagCmd.AddCommand(generateCmd)
	root.AddCommand(flagCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	chalID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid challenge id %q", args[0])
	}

	var answer string
	if len(args) > 1 {
		answer = args[1]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		answer = strings.TrimSpace(string(data))
	}

	return call(http.MethodPost, "/submissions", api.SubmitRequest{
		OwnerToken:  ownerToken,
		ChallengeID: chalID,
		Answer:      answer,
	})
}

func runInstanceCreate(_ *cobra.Command, args []string) error {
	chalID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid challenge id %q", args[0])
	}
	return call(http.MethodPost, "/instances", api.InstanceRequest{
		OwnerToken:  ownerToken,
		ChallengeID: chalID,
	})
}

func runFlagGenerate(_ *cobra.Command, args []string) error {
	chalID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid challenge id %q", args[0])
	}
	if !flag.IsReproducible(flagTemplate) {
		fmt.Fprintln(os.Stderr, "warning: template is random per instance, the value below will not match a live instance")
	}
	g := flag.New(flagPrefix)
	fmt.Println(g.Generate(flag.Input{
		Template:      flagTemplate,
		OwnerToken:    ownerToken,
		ChallengeID:   chalID,
		SigningSecret: flagSecret,
	}))
	return nil
}

// call sends payload as JSON, pretty-prints the response and fails on non-2xx.
func call(method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if ownerToken != "" {
		req.Header.Set(api.OwnerTokenHeader, ownerToken)
	}

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(data) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
