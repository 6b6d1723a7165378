/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ssargent/skalddb/pkg/api"
	"github.com/ssargent/skalddb/pkg/engine"
)

func hidden(name string) bool { return strings.HasPrefix(name, "_") }

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables with their keys and sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(db *engine.Database) error {
				stats, err := db.Stats()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				defer w.Flush()

				fmt.Fprintf(w, "NAME\tKEY\tFIELDS\tROWS\tBYTES\n")
				for i, t := range db.Tables() {
					if hidden(t.Name()) {
						continue
					}
					def := api.DefinitionFromSchema(t.Name(), t.Schema())
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
						t.Name(), def.Key, formatFields(def.Fields), stats.Tables[i].Rows, stats.Tables[i].Bytes)
				}
				return nil
			})
		},
	}
}

func formatFields(fields []api.FieldDefinition) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = formatField(f)
	}
	return strings.Join(parts, ",")
}

func formatField(f api.FieldDefinition) string {
	if f.RefTable != "" {
		return fmt.Sprintf("%s:%s:%s:%s", f.Name, f.Type, f.RefTable, f.RefType)
	}
	return f.Name + ":" + f.Type
}

// parseField reads name:type or name:ref:table:keytype.
func parseField(s string) (api.FieldDefinition, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[1] != "ref":
		return api.FieldDefinition{Name: parts[0], Type: parts[1]}, nil
	case len(parts) == 4 && parts[1] == "ref":
		return api.FieldDefinition{Name: parts[0], Type: parts[1], RefTable: parts[2], RefType: parts[3]}, nil
	}
	return api.FieldDefinition{}, fmt.Errorf("field %q must be name:type or name:ref:table:keytype", s)
}

func newCreateTableCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "create-table NAME",
		Short: "Create a table",
		Long: `Create a table from --key and --field flags, or from a JSON table
definition given with --file.

Field types are int8 through int64, uint8 through uint64, float32,
float64, bool, string, bytes and ref. A ref field names its target table
and the target's key type.

Examples:
  skald create-table people --key id --field id:int64 --field name:string
  skald create-table pets --key name --field name:string --field owner:ref:people:int64
  skald create-table books --file books.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			key, _ := cmd.Flags().GetString("key")
			fields, _ := cmd.Flags().GetStringArray("field")

			var def api.TableDefinition
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read table definition: %w", err)
				}
				if err := json.Unmarshal(data, &def); err != nil {
					return fmt.Errorf("failed to parse table definition: %w", err)
				}
			}
			if len(args) == 1 {
				def.Name = args[0]
			}
			if key != "" {
				def.Key = key
			}
			for _, f := range fields {
				fd, err := parseField(f)
				if err != nil {
					return err
				}
				def.Fields = append(def.Fields, fd)
			}
			if def.Name == "" {
				return errors.New("table name is required")
			}
			if hidden(def.Name) {
				return errors.New("table names starting with _ are reserved")
			}

			schema, err := api.SchemaFromDefinition(def)
			if err != nil {
				return err
			}
			return withDatabase(cmd, func(db *engine.Database) error {
				if _, err := db.CreateTable(def.Name, schema); err != nil {
					return err
				}
				cmd.Printf("Created table %s (%s)\n", def.Name, formatFields(def.Fields))
				return nil
			})
		},
	}
	c.Flags().String("key", "", "Primary key field")
	c.Flags().StringArray("field", nil, "Field as name:type or name:ref:table:keytype (repeatable)")
	c.Flags().StringP("file", "f", "", "JSON table definition")
	return c
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print row and byte counts as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd, func(db *engine.Database) error {
				stats, err := db.Stats()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
}
