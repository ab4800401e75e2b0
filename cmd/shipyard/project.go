package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// maxImportFileSize skips files that are unlikely to be source.
const maxImportFileSize = 4 << 20

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
}

func (a *app) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage stored projects",
	}
	cmd.AddCommand(a.projectImportCmd(), a.projectListCmd(), a.projectArchiveCmd())
	return cmd
}

func (a *app) projectImportCmd() *cobra.Command {
	var name, id string
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Store a directory as a project's file tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			files, err := collectFiles(args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files found in %s", args[0])
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if id == "" {
				id = uuid.NewString()
			}
			if name == "" {
				abs, _ := filepath.Abs(args[0])
				name = filepath.Base(abs)
			}
			now := time.Now().UTC()
			_, err = store.GetProjectByID(ctx, id)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				project := &domain.Project{ID: id, Name: name, Status: domain.ProjectActive, CreatedAt: now, UpdatedAt: now}
				if err := store.CreateProject(ctx, project); err != nil {
					return err
				}
			case err != nil:
				return err
			}
			for _, f := range files {
				f.ProjectID = id
				f.UpdatedAt = now
				if err := store.UpsertFile(ctx, f); err != nil {
					return fmt.Errorf("store %s: %w", f.Path, err)
				}
			}
			if a.v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"project_id": id, "name": name, "files": len(files)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries into project %s (%s)\n", len(files), id, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	cmd.Flags().StringVar(&id, "id", "", "existing project id to update")
	return cmd
}

func (a *app) projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return printJSON(out, projects)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"ID", "Name", "Status", "URL"})
			for _, p := range projects {
				tw.AppendRow(table.Row{p.ID, p.Name, p.Status, deref(p.DeployedURL)})
			}
			tw.Render()
			return nil
		},
	}
}

func (a *app) projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project so it can no longer be deployed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.UpdateProjectStatus(cmd.Context(), args[0], domain.ProjectArchived, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", args[0])
			return nil
		},
	}
}

// collectFiles walks root into stored project entries with slash-separated
// relative paths.
func collectFiles(root string) ([]domain.ProjectFile, error) {
	var files []domain.ProjectFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			files = append(files, domain.ProjectFile{Path: rel, Type: domain.FileTypeDirectory})
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxImportFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.ContainsRune(string(data), 0) {
			return nil
		}
		files = append(files, domain.ProjectFile{Path: rel, Content: string(data), Type: domain.FileTypeFile})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	return files, nil
}
