package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stocklend/locatesvc/internal/auth"
)

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "API key provisioning helpers",
	}

	hashCmd := &cobra.Command{
		Use:   "hash <plaintext-key>",
		Short: "Print the digest stored in api_keys.key_hash for a plaintext key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashKey(args[0]))
		},
	}

	keysCmd.AddCommand(hashCmd)
	return keysCmd
}
