package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "key",
		Short:       "Builds and decodes 11-digit index keys",
		Annotations: map[string]string{skipAppAnnotation: "true"},
	}

	var year, recordType, seq, rev int
	generate := &cobra.Command{
		Use:         "generate",
		Short:       "Prints the index key for a year, type, sequence and revision",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := crawler.GenerateKey(year, recordType, seq, rev)
			// Out-of-range parts widen the key; reject anything ParseKey would.
			if _, err := crawler.ParseKey(key); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	generate.Flags().IntVar(&year, "year", 114, "three-digit permit year")
	generate.Flags().IntVar(&recordType, "type", 1, "record type digit")
	generate.Flags().IntVar(&seq, "seq", 1, "sequence number")
	generate.Flags().IntVar(&rev, "rev", 0, "revision number")

	parse := &cobra.Command{
		Use:         "parse KEY",
		Short:       "Decodes an index key into its parts",
		Annotations: map[string]string{skipAppAnnotation: "true"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crawler.ParseKey(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), key)
		},
	}

	cmd.AddCommand(generate, parse)
	return cmd
}
