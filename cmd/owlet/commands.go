package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/owlet/internal/api"
	"github.com/kalambet/owlet/internal/config"
	"github.com/kalambet/owlet/internal/indexer"
	"github.com/kalambet/owlet/internal/pipeline"
	"github.com/kalambet/owlet/internal/search"
	"github.com/kalambet/owlet/internal/storage"
)

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over indexed documents",
	Long: `Full-text search over indexed documents.

Terms are ANDed. Quote a phrase to match it exactly, prefix a term with -
to exclude it and end a term with * to match by prefix.

Examples:
  owlet search quarterly report
  owlet search '"release notes" -draft'
  owlet search 'invoic*' --limit 50`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), searchPath(query, limit, offset))
		if err != nil {
			return err
		}

		var res search.Results
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON {
			return writeJSON(os.Stdout, res)
		}
		renderResults(os.Stdout, res)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (server default when 0)")
	searchCmd.Flags().Int("offset", 0, "number of results to skip")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")
}

func renderResults(w io.Writer, res search.Results) {
	if res.Warning != "" {
		fmt.Fprintln(w, colorize(colorYellow, "⚠ "+res.Warning))
	}
	if len(res.Items) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}

	for i, it := range res.Items {
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, fmt.Sprintf("%d.", res.Offset+i+1)), colorize(colorBold, it.Name))
		fmt.Fprintf(w, "   %s\n", colorize(colorCyan, it.Path))
		fmt.Fprintf(w, "   %s  %s  modified %s  score %.2f\n",
			it.Kind, formatSize(it.Size), formatAge(it.ModifiedAt), it.Score)
		if !it.Readable {
			fmt.Fprintf(w, "   %s\n", colorize(colorRed, "unreadable: "+it.Error))
		} else if it.Snippet != "" {
			fmt.Fprintf(w, "   %s\n", strings.Join(strings.Fields(it.Snippet), " "))
		}
	}

	shown := res.Offset + len(res.Items)
	total := fmt.Sprintf("%d", res.Total)
	if res.Partial {
		total += "+"
	}
	fmt.Fprintf(w, "\n%s\n", colorize(colorDim, fmt.Sprintf("%d-%d of %s results (%d ms)", res.Offset+1, shown, total, res.ElapsedMs)))
}

// --- folders ---

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Manage watched folders",
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/folders")
		if err != nil {
			return err
		}

		var folders []indexer.FolderInfo
		if err := decodeJSON(resp, &folders); err != nil {
			return err
		}
		renderFolders(os.Stdout, folders)
		return nil
	},
}

var foldersAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Watch a folder and index its documents",
	Long: `Watch a folder and index its documents.

Examples:
  owlet folders add ~/Documents
  owlet folders add ~/src --include '**/*.md' --exclude 'vendor/**'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		include, _ := cmd.Flags().GetStringSlice("include")
		exclude, _ := cmd.Flags().GetStringSlice("exclude")

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		info, err := addFolder(cmd.Context(), client, api.AddFolderRequest{Path: path, Include: include, Exclude: exclude})
		if err != nil {
			return err
		}

		printSuccess("Watching %s (id %s), initial scan started", info.Path, info.ID)
		return nil
	},
}

var foldersRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stop watching a folder and drop its documents from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/folders/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Folder %s %s", args[0], result["status"])
		return nil
	},
}

func init() {
	foldersAddCmd.Flags().StringSlice("include", nil, "only index paths matching these globs")
	foldersAddCmd.Flags().StringSlice("exclude", nil, "skip paths matching these globs")
	foldersCmd.AddCommand(foldersListCmd)
	foldersCmd.AddCommand(foldersAddCmd)
	foldersCmd.AddCommand(foldersRemoveCmd)
}

func addFolder(ctx context.Context, client *apiClient, req api.AddFolderRequest) (indexer.FolderInfo, error) {
	resp, err := client.post(ctx, "/api/folders", req)
	if err != nil {
		return indexer.FolderInfo{}, err
	}
	var info indexer.FolderInfo
	if err := decodeJSON(resp, &info); err != nil {
		return indexer.FolderInfo{}, err
	}
	return info, nil
}

func renderFolders(w io.Writer, folders []indexer.FolderInfo) {
	if len(folders) == 0 {
		fmt.Fprintln(w, "No folders are watched. Add one with: owlet folders add <path>")
		return
	}
	for _, f := range folders {
		state := colorize(colorGreen, "watching")
		if f.Degraded {
			state = colorize(colorYellow, "rescanning")
		}
		fmt.Fprintf(w, "%s  %s  %d files  %s\n", colorize(colorCyan, f.ID), f.Path, f.Files, state)
		if len(f.Include) > 0 {
			fmt.Fprintf(w, "    include: %s\n", strings.Join(f.Include, ", "))
		}
		if len(f.Exclude) > 0 {
			fmt.Fprintf(w, "    exclude: %s\n", strings.Join(f.Exclude, ", "))
		}
	}
}

// --- files ---

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List indexed files and why some could not be read",
	RunE: func(cmd *cobra.Command, args []string) error {
		unreadable, _ := cmd.Flags().GetBool("unreadable")
		folder, _ := cmd.Flags().GetString("folder")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), filesPath(folder, unreadable, limit, offset))
		if err != nil {
			return err
		}

		var list api.FileList
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		renderFiles(os.Stdout, list)
		return nil
	},
}

func init() {
	filesCmd.Flags().Bool("unreadable", false, "only show files whose text could not be extracted")
	filesCmd.Flags().String("folder", "", "only show files of this folder id")
	filesCmd.Flags().Int("limit", 50, "maximum number of files to list")
	filesCmd.Flags().Int("offset", 0, "number of files to skip")
}

func renderFiles(w io.Writer, list api.FileList) {
	if len(list.Files) == 0 {
		fmt.Fprintln(w, "No files found.")
		return
	}
	for _, f := range list.Files {
		if f.Readable {
			note := f.ExtractionMethod
			if f.Truncated {
				note += ", truncated"
			}
			fmt.Fprintf(w, "%s  %s  %s\n", f.Path, colorize(colorDim, formatSize(f.Size)), colorize(colorDim, note))
			continue
		}
		fmt.Fprintf(w, "%s  %s\n", f.Path, colorize(colorRed, f.Error))
	}
	if list.Total > list.Offset+len(list.Files) {
		fmt.Fprintf(w, "%s\n", colorize(colorDim, fmt.Sprintf("... %d more (use --offset)", list.Total-list.Offset-len(list.Files))))
	}
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index <path>",
	Short: "Index a folder once, without the server",
	Long: `Index a folder once and exit. The folder is registered like
"folders add", so a server started later keeps it up to date.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if serverRunning(cfg.Server.Port) {
			return fmt.Errorf("owlet server is running; use \"owlet folders add\" instead")
		}
		setupLogging(cfg)

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		printStep("Indexing %s", path)
		stats, err := indexOnce(cmd.Context(), cfg, path)
		if err != nil {
			return err
		}
		printIndexStats(stats)
		return nil
	},
}

func indexOnce(ctx context.Context, cfg config.Config, path string) (pipeline.Stats, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	svc, err := indexer.New(cfg, store, indexer.Options{})
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("creating indexer: %w", err)
	}
	return svc.IndexOnce(ctx, path)
}

func printIndexStats(st pipeline.Stats) {
	printSuccess("Indexed %d files", st.Indexed)
	printStatus("Unreadable", "%d", st.Unreadable)
	printStatus("Skipped", "%d", st.Skipped)
	printStatus("Removed", "%d", st.Removed)
	if st.DroppedBatches > 0 {
		printWarning("%d batches could not be written", st.DroppedBatches)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.ConfigPath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Printf("# API token: %s\n", config.TokenSource())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. An empty value resets the key to its default.

Keys:
  ` + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if value == "" {
			printSuccess("Reset %s to its default", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		printWarning("Restart the server for the change to take effect")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
