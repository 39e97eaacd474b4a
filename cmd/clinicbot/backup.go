package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

const backupDBName = "clinicbot.db"

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database and config into a .tar.gz",
		Long: `Takes a consistent snapshot of the SQLite database (safe while
'clinicbot serve' is running) and archives it with the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}

			if outputPath == "" {
				backupDir := filepath.Join(filepath.Dir(cfgPath), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("clinicbot-backup-%s.tar.gz", ts))
			}

			tmpDir, err := os.MkdirTemp("", "clinicbot-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmpDir)

			entries := map[string]string{} // archive name -> source path
			if _, err := os.Stat(cfg.Store.DBPath); err == nil {
				snapshot := filepath.Join(tmpDir, backupDBName)
				if err := snapshotDatabase(cmd.Context(), cfg.Store.DBPath, snapshot); err != nil {
					return fmt.Errorf("snapshot database: %w", err)
				}
				entries[backupDBName] = snapshot
			}
			if _, err := os.Stat(cfgPath); err == nil {
				entries["config.json"] = cfgPath
			}
			if len(entries) == 0 {
				return fmt.Errorf("no files to back up (db: %s, config: %s)", cfg.Store.DBPath, cfgPath)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, src := range entries {
				size := int64(0)
				if info, err := os.Stat(src); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: <config dir>/backups/clinicbot-backup-<timestamp>.tar.gz)")
	cmd.AddCommand(restoreCmd())
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the database and config from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			targets := map[string]string{
				backupDBName:  cfg.Store.DBPath,
				"config.json": cfgPath,
			}

			if !force {
				for _, path := range targets {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s exists; stop 'clinicbot serve' and use --force to overwrite", path)
					}
				}
			}

			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(cfg.Store.DBPath + suffix)
			}

			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// snapshotDatabase writes a consistent copy of the database at src to dst.
func snapshotDatabase(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite", src+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	_, err = db.ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

func createTarGz(outputPath string, entries map[string]string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for name, src := range entries {
		if err := addFileToTar(tarWriter, name, src); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes the archive members named in targets to their mapped
// paths. Unknown members are skipped.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		target, ok := targets[filepath.Base(header.Name)]
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := writeFile(target, tarReader); err != nil {
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

