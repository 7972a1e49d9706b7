package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/manuscript/mcpquic"
)

var (
	remoteAddr     string
	remoteInsecure bool
)

func remoteClient(cmd *cobra.Command) (*mcpquic.Client, error) {
	if remoteAddr == "" {
		return nil, errors.New("--addr is required")
	}
	var tlsCfg *tls.Config
	if remoteInsecure {
		tlsCfg = mcpquic.ClientTLSConfig(true)
	}
	return mcpquic.Dial(cmd.Context(), remoteAddr, tlsCfg)
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Call the MCP tools of a server over QUIC",
}

var remoteToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools a server exposes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		tools, err := c.Tools(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]map[string]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, map[string]string{"name": t.Name, "description": t.Description})
		}
		return printOut(cmd, names)
	},
}

var remoteCallCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Call one tool and print its result",
	Example: `  manuscript remote call --addr books.internal:4433 manuscript_get_book '{"book_id":"book_..."}'`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolArgs := map[string]any{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
				return fmt.Errorf("arguments: %w", err)
			}
		}
		c, err := remoteClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		text, err := c.Call(cmd.Context(), args[0], toolArgs)
		if err != nil {
			return err
		}
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			v = text
		}
		return printOut(cmd, v)
	},
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&remoteAddr, "addr", "", "server QUIC address (host:port)")
	remoteCmd.PersistentFlags().BoolVar(&remoteInsecure, "insecure", false, "skip certificate verification (self-signed servers)")
	remoteCmd.AddCommand(remoteToolsCmd, remoteCallCmd)
	rootCmd.AddCommand(remoteCmd)
}
