package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmatc13/txqueue/internal/keyring"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Signer key utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a signer key and print its address and private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := keyring.New()
			a, err := k.Generate()
			if err != nil {
				return err
			}
			hexKey, err := k.Export(a.Address)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nprivate_key: %s\n", a.Address, hexKey)
			return nil
		},
	})
	return cmd
}
