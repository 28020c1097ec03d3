package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-friendwatch/pkg/enroll"
	"github.com/teslashibe/go-friendwatch/pkg/friendwatch"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Build the reference embedding cache from the enrollment photos",
	Long: `Detects the subject's face in every enrollment photo and writes the
embedding cache used by "run". An existing valid cache is reused unless
--force is given.`,
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().Bool("force", false, "Delete the existing cache and rebuild")
	enrollCmd.Flags().String("enroll-dir", "", "Directory of subject photos")
	enrollCmd.Flags().String("cache", "", "Embedding cache file")
	enrollCmd.Flags().String("face-backend", "", "Face backend: opencv or remote")
	enrollCmd.Flags().String("remote-url", "", "Embedding service URL for the remote backend")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("enroll-dir") {
		cfg.EnrollDir = mustGetString(cmd, "enroll-dir")
	}
	if f.Changed("cache") {
		cfg.CachePath = mustGetString(cmd, "cache")
	}
	if f.Changed("face-backend") {
		cfg.FaceBackend = mustGetString(cmd, "face-backend")
	}
	if f.Changed("remote-url") {
		cfg.RemoteURL = mustGetString(cmd, "remote-url")
	}

	recognizer, err := friendwatch.NewRecognizer(cfg)
	if err != nil {
		return explain(err, cfg)
	}
	defer recognizer.Close()

	store := enroll.NewStore(cfg.EnrollConfig(), recognizer)
	if mustGetBool(cmd, "force") {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		fmt.Printf("🗑️  Removed %s\n", cfg.CachePath)
	}

	paths, err := cfg.EnrollPaths()
	if err != nil {
		return err
	}
	store.SetProgress(newEnrollBar(len(paths)))

	refs, err := store.LoadOrBuild(cmd.Context(), paths)
	if err != nil {
		return explain(err, cfg)
	}

	s := store.LastSummary()
	if s.Total == 0 {
		fmt.Printf("\n✅ Cache %s is valid: %d embeddings (use --force to rebuild)\n", cfg.CachePath, len(refs))
		return nil
	}
	fmt.Printf("\n✅ Enrolled %d/%d images (%.1f%%) in %s\n", s.Valid, s.Total, s.SuccessRate(), s.Duration.Round(time.Millisecond))
	for _, p := range s.Failed {
		fmt.Printf("   ⚠️  no face: %s\n", p)
	}
	fmt.Printf("   Cache: %s (%d-d embeddings)\n", cfg.CachePath, refs.Dim())
	return nil
}
