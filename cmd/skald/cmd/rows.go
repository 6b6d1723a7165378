/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ssargent/skalddb/pkg/api"
	"github.com/ssargent/skalddb/pkg/engine"
)

// userTable resolves a table the CLI may touch.
func userTable(db *engine.Database, name string) (*engine.Table, error) {
	if hidden(name) {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownTable, name)
	}
	return db.Table(name)
}

// commit runs stage in a fresh transaction and commits it.
func commit(db *engine.Database, stage func(*engine.Transaction) error) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	if err := stage(tx); err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return tx.ID(), nil
}

func newScanCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "scan TABLE",
		Short: "Print every row of a table, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withDatabase(cmd, func(db *engine.Database) error {
				t, err := userTable(db, args[0])
				if err != nil {
					return err
				}
				n := 0
				for row, err := range t.Scan() {
					if err != nil {
						return err
					}
					if limit > 0 && n == limit {
						break
					}
					doc, err := api.RowToJSON(t.Schema(), row)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(doc))
					n++
				}
				return nil
			})
		},
	}
	c.Flags().Int("limit", 0, "Stop after this many rows (0 for all)")
	return c
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get TABLE KEY",
		Short: "Print one row by primary key",
		Long: `Print one row by primary key. Byte keys are given as unpadded base64url.

Examples:
  skald get people 42
  skald get pets Rex`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(db *engine.Database) error {
				t, err := userTable(db, args[0])
				if err != nil {
					return err
				}
				key, err := api.ParseKey(t.Schema().KeyField(), args[1])
				if err != nil {
					return err
				}
				row, err := t.Get(key)
				if err != nil {
					return err
				}
				doc, err := api.RowToJSON(t.Schema(), row)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(doc))
				return nil
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "put TABLE ROW",
		Short: "Write one row given as a JSON object",
		Long: `Write one row given as a relaxed Extended JSON object keyed by field
name. The row replaces any existing row with the same key unless --insert
is set. Use - to read the row from stdin.

Examples:
  skald put people '{"id": 1, "name": "Ada", "age": 36}'
  echo '{"id": 2, "name": "Alan", "age": 41}' | skald put people - --insert`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			insert, _ := cmd.Flags().GetBool("insert")
			data := []byte(args[1])
			if args[1] == "-" {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read row: %w", err)
				}
			}
			return withDatabase(cmd, func(db *engine.Database) error {
				t, err := userTable(db, args[0])
				if err != nil {
					return err
				}
				row, err := api.RowFromJSON(t.Schema(), data)
				if err != nil {
					return err
				}
				stage := t.Upsert
				if insert {
					stage = t.Insert
				}
				id, err := commit(db, func(tx *engine.Transaction) error { return stage(tx, row) })
				if err != nil {
					return err
				}
				cmd.Printf("Put %s/%s (transaction %s)\n", t.Name(), t.Schema().RowKey(row), id)
				return nil
			})
		},
	}
	c.Flags().Bool("insert", false, "Fail if a row with the same key exists")
	return c
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TABLE KEY",
		Short: "Delete one row by primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(db *engine.Database) error {
				t, err := userTable(db, args[0])
				if err != nil {
					return err
				}
				key, err := api.ParseKey(t.Schema().KeyField(), args[1])
				if err != nil {
					return err
				}
				id, err := commit(db, func(tx *engine.Transaction) error { return t.Delete(tx, key) })
				if err != nil {
					return err
				}
				cmd.Printf("Deleted %s/%s (transaction %s)\n", t.Name(), key, id)
				return nil
			})
		},
	}
}
