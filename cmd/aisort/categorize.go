package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aisort/internal/categorize"
	"aisort/internal/config"
	"aisort/internal/llm"
	"aisort/internal/llm/local"
	"aisort/internal/logging"
	"aisort/internal/store"
	"aisort/internal/taxonomy"
	"aisort/internal/types"
)

var pruneBeforeRun bool

var categorizeCmd = &cobra.Command{
	Use:   "categorize [directory]",
	Short: "Categorize the entries of a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runCategorize,
}

func init() {
	categorizeCmd.Flags().BoolVar(&pruneBeforeRun, "prune", false, "prune empty cached rows before categorizing")
}

// pipeline bundles the collaborators one command invocation needs.
type pipeline struct {
	settings config.Settings
	store    *store.Store
	resolver *taxonomy.Resolver
	service  *categorize.Service
}

func openPipeline() (*pipeline, error) {
	settings, configDir, err := loadSettings()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(configDir, logging.Component(logger, "store"))
	if err != nil {
		return nil, err
	}

	resolver, err := taxonomy.NewResolver(st, logging.Component(logger, "taxonomy"))
	if err != nil {
		st.Close()
		return nil, err
	}

	p := &pipeline{
		settings: settings,
		store:    st,
		resolver: resolver,
	}
	p.service = categorize.NewService(&p.settings, st, resolver, logging.Component(logger, "categorize"))
	return p, nil
}

func (p *pipeline) Close() {
	p.store.Close()
}

// clientFactory builds the model client for the configured choice. Remote
// providers are separate integrations; the core pipeline ships with the
// local runtime.
func (p *pipeline) clientFactory() llm.Factory {
	return func() (llm.Client, error) {
		if p.settings.LLMChoice.IsRemote() {
			return nil, fmt.Errorf("remote provider %q is not configured in this build", p.settings.LLMChoice)
		}
		if p.settings.ModelPath == "" {
			return nil, fmt.Errorf("no local model configured; set model_path or pass --model")
		}
		return local.New(p.settings.ModelPath, local.Options{
			Logger: logging.Component(logger, "llm"),
			FallbackDecision: func(reason string) bool {
				logger.Warn("Falling back to CPU", zap.String("reason", reason))
				return true
			},
			Status: func(status local.Status) {
				if status == local.StatusGpuFallbackToCpu {
					fmt.Println("[LLM] GPU backend failed; continuing on CPU.")
					logger.Warn("GPU fallback to CPU")
				}
			},
		})
	}
}

// listEntries lists dir as FileEntry values, walking subdirectories when
// requested. Hidden entries are skipped.
func listEntries(dir string, includeSubdirectories bool) ([]types.FileEntry, error) {
	var files []types.FileEntry

	appendEntry := func(path, name string, isDir bool) {
		if name == "" || name[0] == '.' {
			return
		}
		fileType := types.File
		if isDir {
			fileType = types.Directory
		}
		files = append(files, types.FileEntry{FullPath: path, FileName: name, Type: fileType})
	}

	if !includeSubdirectories {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			appendEntry(filepath.Join(dir, entry.Name()), entry.Name(), entry.IsDir())
		}
		return files, nil
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		name := d.Name()
		if name != "" && name[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		appendEntry(path, name, d.IsDir())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func runCategorize(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.service.EnsureRemoteCredentials(); err != nil {
		return err
	}

	if pruneBeforeRun {
		removed, err := p.service.PruneEmptyCachedEntries(dir)
		if err != nil {
			return err
		}
		if len(removed) > 0 {
			logger.Info("Pruned empty cached rows", zap.Int("count", len(removed)))
		}
	}

	files, err := listEntries(dir, p.settings.IncludeSubdirectories)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("Nothing to categorize.")
		return nil
	}

	var stop atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		stop.Store(true)
		logger.Warn("Cancellation requested; finishing current entry")
	}()

	cb := categorize.Callbacks{
		Progress: func(message string) { fmt.Println(message) },
	}

	results, err := p.service.CategorizeEntries(files, &stop, cb, p.clientFactory())
	if err != nil {
		return err
	}

	fmt.Printf("\nCategorized %d of %d entries.\n", len(results), len(files))
	return nil
}
