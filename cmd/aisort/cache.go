package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"aisort/internal/config"
	"aisort/internal/logging"
	"aisort/internal/store"
	"aisort/internal/taxonomy"
	"aisort/internal/types"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the categorization cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list [directory]",
	Short: "List cached categorizations for a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, st, err := openCacheStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		recursive, _ := cmd.Flags().GetBool("recursive")
		entries, err := listCached(st, dir, recursive)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No cached categorizations.")
			return nil
		}
		for _, entry := range entries {
			label := entry.Category
			if entry.Subcategory != "" {
				label += " / " + entry.Subcategory
			}
			if label == "" && entry.SuggestedName != "" {
				label = "rename -> " + entry.SuggestedName
			}
			fmt.Printf("%-40s %s\n", entry.FileName, label)
		}
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune [directory]",
	Short: "Delete cached rows that carry no decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, st, err := openCacheStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		removed, err := st.PruneEmpty(dir)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d empty row(s).\n", len(removed))
		return nil
	},
}

var cacheCheckCmd = &cobra.Command{
	Use:   "check [directory] [name]",
	Short: "Check what the cache knows about a directory or one entry",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, st, err := openCacheStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			names, err := st.DirContents(dir)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No cached rows for this directory.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}

		name := args[1]
		exists, err := st.Exists(name, dir)
		if err != nil {
			return err
		}
		if exists {
			fmt.Printf("%s is cached in this directory.\n", name)
			return nil
		}
		known, err := st.HasFileName(name)
		if err != nil {
			return err
		}
		if known {
			fmt.Printf("%s is cached under a different directory.\n", name)
		} else {
			fmt.Printf("%s is not cached.\n", name)
		}
		return nil
	},
}

var cacheTaxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "List the canonical category catalogue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configDir, err := config.ConfigDir()
		if err != nil {
			return err
		}
		st, err := store.Open(configDir, logging.Component(logger, "store"))
		if err != nil {
			return err
		}
		defer st.Close()

		resolver, err := taxonomy.NewResolver(st, logging.Component(logger, "taxonomy"))
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		pairs := resolver.Snapshot(limit)
		if len(pairs) == 0 {
			fmt.Println("The taxonomy is empty.")
			return nil
		}
		for _, pair := range pairs {
			fmt.Printf("%s / %s\n", pair.Category, pair.Subcategory)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [directory]",
	Short: "Delete all cached rows for a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, st, err := openCacheStore(args[0])
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ClearDirectory(dir); err != nil {
			return err
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

func init() {
	cacheListCmd.Flags().Bool("recursive", false, "include subdirectories")
	cacheTaxonomyCmd.Flags().Int("limit", 0, "maximum entries to list (0 = all)")
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheCheckCmd)
	cacheCmd.AddCommand(cacheTaxonomyCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func openCacheStore(dirArg string) (string, *store.Store, error) {
	dir, err := filepath.Abs(dirArg)
	if err != nil {
		return "", nil, err
	}
	configDir, err := config.ConfigDir()
	if err != nil {
		return "", nil, err
	}
	st, err := store.Open(configDir, logging.Component(logger, "store"))
	if err != nil {
		return "", nil, err
	}
	return dir, st, nil
}

func listCached(st *store.Store, dir string, recursive bool) ([]types.CategorizedFile, error) {
	if recursive {
		return st.ListRecursive(dir)
	}
	return st.List(dir)
}
