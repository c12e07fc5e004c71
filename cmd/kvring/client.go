package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/internal/transport"
)

func clientCommands() []*cobra.Command {
	put := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyed(cmd.Context(), message.CmdPut, args[0], []byte(args[1]))
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyed(cmd.Context(), message.CmdGet, args[0], nil)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyed(cmd.Context(), message.CmdRemove, args[0], nil)
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Tell a node to create a new ring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd.Context(), message.CmdCreate)
		},
	}

	startJoin := &cobra.Command{
		Use:   "start-join",
		Short: "Tell a node to join a ring through its member list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd.Context(), message.CmdStartJoin)
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Query a node's gRPC health status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			serving, err := client.Health(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Println(serving.String())
			return nil
		},
	}

	ringView := &cobra.Command{
		Use:   "ring",
		Short: "Print a node's ring view from its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRing(cmd.Context())
		},
	}
	ringView.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8080", "Base URL of the node's HTTP API")

	commands := []*cobra.Command{put, get, remove, create, startJoin, health}
	for _, c := range commands {
		c.Flags().StringVar(&target, "addr", "127.0.0.1:4000", "Command endpoint of the node")
		c.Flags().DurationVar(&rpcTimeout, "timeout", rpcTimeout, "Request timeout")
	}
	for _, c := range []*cobra.Command{put, get, remove} {
		c.Flags().BoolVar(&hexKey, "hex", false, "Treat the key as a hex-encoded 32-byte key instead of a name")
	}

	return append(commands, ringView)
}

func newClient() (*transport.GRPCClient, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	return transport.NewGRPCClient(logger, rpcTimeout), nil
}

func parseKey(arg string) (store.Key, error) {
	if hexKey {
		return store.ParseKey(arg)
	}
	return store.KeyFromString(arg), nil
}

func keyed(ctx context.Context, cmd message.Command, arg string, value []byte) error {
	key, err := parseKey(arg)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Send(ctx, target, message.New(cmd, key, value))
	if err != nil {
		return err
	}

	if resp.Code != store.Success {
		return fmt.Errorf("%s %s: %s", cmd, arg, resp.Code)
	}
	if cmd == message.CmdGet {
		_, err = os.Stdout.Write(append(resp.Value, '\n'))
		return err
	}
	fmt.Println(resp.Code)
	return nil
}

func control(ctx context.Context, cmd message.Command) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Send(ctx, target, message.Control(cmd, nil, nil)); err != nil {
		return err
	}
	fmt.Printf("%s sent to %s\n", cmd, target)
	return nil
}

func printRing(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/v1/ring", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ring query failed: %s", resp.Status)
	}

	var view map[string]any
	if err := json.Unmarshal(body, &view); err != nil {
		return fmt.Errorf("invalid ring response: %w", err)
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
