package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"github.com/xkilldash9x/reug-runtime/internal/runtime"
	"github.com/xkilldash9x/reug-runtime/internal/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog sources for --from.
const (
	sourceAuto = "auto"
	sourceDB   = "db"
	sourceFile = "file"
)

// catalog is a registry opened outside the runtime, backed either by the
// database or by an export file.
type catalog struct {
	registry *registry.Registry
	store    *store.Store
	path     string
	close    func()
}

// openCatalog loads the catalog from the database when one is configured
// (or demanded) and from the export file otherwise. A missing file is an
// empty catalog.
func openCatalog(ctx context.Context, cfg config.Interface, logger *zap.Logger, source, file string) (*catalog, error) {
	policy := cfg.Registry().ConflictPolicy
	useDB := source == sourceDB || (source == sourceAuto && cfg.Database().URL != "")

	switch {
	case source != sourceAuto && source != sourceDB && source != sourceFile:
		return nil, fmt.Errorf("unknown catalog source %q (want auto, db or file)", source)
	case useDB:
		if cfg.Database().URL == "" {
			return nil, errors.New("database.url is not configured (REUG_DATABASE_URL)")
		}
		s, closePool, err := runtime.OpenStore(ctx, cfg.Database().URL, logger)
		if err != nil {
			return nil, err
		}
		caps, err := s.LoadCapabilities(ctx)
		if err != nil {
			closePool()
			return nil, err
		}
		reg := registry.New(logger, policy, registry.WithPersister(s))
		reg.Load(caps)
		return &catalog{registry: reg, store: s, close: closePool}, nil
	}

	path := file
	if path == "" {
		path = cfg.Registry().ExportPath
	}
	if path == "" {
		return nil, errors.New("no catalog file: set registry.export_path or pass --file")
	}
	resolved, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	reg := registry.New(logger, policy)
	if _, statErr := os.Stat(resolved); statErr == nil {
		doc, err := registry.ReadExport(resolved)
		if err != nil {
			return nil, err
		}
		reg.Load(doc.Capabilities)
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", resolved, statErr)
	}
	return &catalog{registry: reg, path: resolved, close: func() {}}, nil
}

// save writes a file-backed catalog back to its file. Database-backed
// catalogs persist every mutation as it happens.
func (c *catalog) save() error {
	if c.store != nil {
		return nil
	}
	return c.registry.Export(c.path)
}

func newCapabilitiesCmd() *cobra.Command {
	var source, file string

	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "Inspects and manages the capability catalog",
	}
	cmd.PersistentFlags().StringVar(&source, "from", sourceAuto, "Catalog source: auto, db or file.")
	cmd.PersistentFlags().StringVar(&file, "file", "", "Catalog file when reading from a file (default registry.export_path).")

	// withCatalog opens the catalog for the duration of fn.
	withCatalog := func(fn func(cmd *cobra.Command, args []string, cat *catalog) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			cat, err := openCatalog(ctx, cfg, loggerFromContext(ctx), source, file)
			if err != nil {
				return err
			}
			defer cat.close()
			return fn(cmd, args, cat)
		}
	}

	var (
		types, statuses, tags []string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lists capabilities, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			f, err := buildFilter(types, statuses, tags)
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), cat.registry.List(f))
		}),
	}
	listCmd.Flags().StringSliceVar(&types, "type", nil, "Only these capability types.")
	listCmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses.")
	listCmd.Flags().StringSliceVar(&tags, "tag", nil, "Only capabilities carrying all of these tags.")

	searchCmd := &cobra.Command{
		Use:   "search <keywords...>",
		Short: "Ranks capabilities by keyword matches",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			return printTable(cmd.OutOrStdout(), cat.registry.Search(strings.Join(args, " ")))
		}),
	}

	infoCmd := &cobra.Command{
		Use:   "info <name>",
		Short: "Shows one capability, including its code",
		Args:  cobra.ExactArgs(1),
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			c, err := cat.registry.Get(args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), c)
		}),
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarises the catalog",
		Args:  cobra.NoArgs,
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			return printYAML(cmd.OutOrStdout(), cat.registry.Stats())
		}),
	}

	exportCmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Writes the catalog to a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			if err := cat.registry.Export(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d capabilities to %s\n", len(cat.registry.List(registry.Filter{})), args[0])
			return nil
		}),
	}

	importCmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Loads capabilities from an export file into the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			if cat.store != nil {
				// Bulk upsert keeps status and usage history exactly as exported.
				doc, err := registry.ReadExport(args[0])
				if err != nil {
					return err
				}
				if err := cat.store.SaveAll(cmd.Context(), doc.Capabilities); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d capabilities into the database\n", len(doc.Capabilities))
				return nil
			}

			report, err := cat.registry.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := cat.save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d capabilities, skipped %d\n", report.Imported, report.Skipped)
			return nil
		}),
	}

	deprecateCmd := &cobra.Command{
		Use:   "deprecate <name>",
		Short: "Retires a capability so it is no longer executed",
		Args:  cobra.ExactArgs(1),
		RunE: withCatalog(func(cmd *cobra.Command, args []string, cat *catalog) error {
			if err := cat.registry.Deprecate(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := cat.save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deprecated %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(listCmd, searchCmd, infoCmd, statsCmd, exportCmd, importCmd, deprecateCmd)
	return cmd
}

func buildFilter(types, statuses, tags []string) (registry.Filter, error) {
	f := registry.Filter{Tags: tags}
	for _, t := range types {
		ct, err := registry.ParseCapabilityType(t)
		if err != nil {
			return f, err
		}
		f.Types = append(f.Types, ct)
	}
	for _, s := range statuses {
		st, err := registry.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	return f, nil
}

func printTable(w io.Writer, caps []registry.Capability) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tSTATUS\tVERSION\tUSES\tDESCRIPTION")
	for _, c := range caps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", c.Name, c.Type, c.Status, c.Version, c.UsageCount, c.Description)
	}
	return tw.Flush()
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
