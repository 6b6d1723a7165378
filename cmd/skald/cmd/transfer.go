/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/engine"
)

func newExportCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "export TABLE",
		Short: "Write a table as a stream of BSON documents",
		Long: `Write every row of a table as a stream of BSON documents keyed by field
name, to --out or stdout. The stream can be read back with import or
with mongorestore-style tooling.

Examples:
  skald export people --out people.bson`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return withDatabase(cmd, func(db *engine.Database) error {
				t, err := userTable(db, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return fmt.Errorf("failed to create export file: %w", err)
					}
					defer f.Close()
					w = f
				}

				dw := codec.NewDocumentWriter(w, t.Schema())
				n := 0
				for row, err := range t.Scan() {
					if err != nil {
						return err
					}
					if err := dw.Write(row); err != nil {
						return err
					}
					n++
				}
				if out != "" {
					cmd.Printf("Exported %d rows from %s to %s\n", n, t.Name(), out)
				}
				return nil
			})
		},
	}
	c.Flags().StringP("out", "o", "", "Output file (default stdout)")
	return c
}

func newImportCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "import TABLE FILE",
		Short: "Load a BSON document stream into a table in one transaction",
		Long: `Load a stream of BSON documents into a table. All rows commit in one
transaction: a duplicate key or a dangling reference rejects the whole
file. --upsert replaces existing rows instead. Use - to read stdin.

Examples:
  skald import people people.bson
  skald import people people.bson --upsert`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			upsert, _ := cmd.Flags().GetBool("upsert")

			var r io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("failed to open import file: %w", err)
				}
				defer f.Close()
				r = f
			}

			return withDatabase(cmd, func(db *engine.Database) error {
				t, err := userTable(db, args[0])
				if err != nil {
					return err
				}
				stage := t.Insert
				if upsert {
					stage = t.Upsert
				}

				n := 0
				id, err := commit(db, func(tx *engine.Transaction) error {
					dr := codec.NewDocumentReader(r, t.Schema())
					for {
						row, err := dr.Next()
						if errors.Is(err, io.EOF) {
							return nil
						}
						if err != nil {
							return fmt.Errorf("document %d: %w", n, err)
						}
						if err := stage(tx, row); err != nil {
							return fmt.Errorf("document %d: %w", n, err)
						}
						n++
					}
				})
				if err != nil {
					return err
				}
				cmd.Printf("Imported %d rows into %s (transaction %s)\n", n, t.Name(), id)
				return nil
			})
		},
	}
	c.Flags().Bool("upsert", false, "Replace rows whose key already exists")
	return c
}
