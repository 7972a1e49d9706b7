package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/manuscript/studio"
)

// bookFile is the YAML accepted by "book create".
type bookFile struct {
	ProjectID string `yaml:"project_id"`
	Title     string `yaml:"title"`
	Plot      string `yaml:"plot"`
	Outline   []struct {
		Number  int    `yaml:"number"`
		Title   string `yaml:"title"`
		Summary string `yaml:"summary"`
	} `yaml:"outline"`
}

func readBookFile(path string) (studio.BookInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return studio.BookInput{}, err
	}
	var f bookFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return studio.BookInput{}, fmt.Errorf("parse %s: %w", path, err)
	}
	in := studio.BookInput{ProjectID: f.ProjectID, Title: f.Title, Plot: f.Plot}
	for _, e := range f.Outline {
		in.Outline = append(in.Outline, studio.OutlineEntry{Number: e.Number, Title: e.Title, Summary: e.Summary})
	}
	return in, nil
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			p, err := a.svc.CreateProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, p)
		})
	},
}

var bookProject string

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Create and inspect books",
}

var bookCreateCmd = &cobra.Command{
	Use:   "create <file.yaml>",
	Short: "Create a book and its pending chapters from an outline file",
	Long: `Create a book from a YAML file:

  project_id: prj_...
  title: The Long Winter
  plot: ...
  outline:
    - title: Snowfall
      summary: The town is cut off.

Chapter numbers default to the outline position. Version 1 is created
automatically and holds the pending chapters.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := readBookFile(args[0])
		if err != nil {
			return err
		}
		if bookProject != "" {
			in.ProjectID = bookProject
		}
		return withApp(false, func(a *app) error {
			view, err := a.svc.CreateBook(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printOut(cmd, view)
		})
	},
}

var bookShowCmd = &cobra.Command{
	Use:   "show <book-id>",
	Short: "Show a book, its active version, chapters and completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			view, err := a.svc.GetBook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, view)
		})
	},
}

var bookListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List the books of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			books, err := a.svc.ListBooks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, books)
		})
	},
}

var chapterHistory bool

var chapterCmd = &cobra.Command{
	Use:   "chapter <chapter-id>",
	Short: "Show a chapter with its content, or its edit history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			if chapterHistory {
				edits, err := a.svc.ChapterHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printOut(cmd, edits)
			}
			ch, err := a.svc.GetChapter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, ch)
		})
	},
}

var queueBookCmd = &cobra.Command{
	Use:   "queue-book <book-id>",
	Short: "Queue generation of every pending chapter of a book",
	Long: `Queue the three-step chain (write, summarize, update story state) for
each pending chapter of the book's current version, in chapter order.
Chapters already written or already queued are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			res, err := a.svc.QueueBookGeneration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, res)
		})
	},
}

var queueChapterCmd = &cobra.Command{
	Use:   "queue-chapter <chapter-id>",
	Short: "Queue generation of one chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			ids, err := a.svc.QueueChapter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, map[string]any{"job_ids": ids})
		})
	},
}

var regenerateNotes string

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <chapter-id>",
	Short: "Rewrite a chapter, keeping the previous text in its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			ids, err := a.svc.RegenerateChapter(cmd.Context(), args[0], regenerateNotes)
			if err != nil {
				return err
			}
			return printOut(cmd, map[string]any{"job_ids": ids})
		})
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)

	bookCreateCmd.Flags().StringVar(&bookProject, "project", "", "project ID (overrides project_id in the file)")
	bookCmd.AddCommand(bookCreateCmd, bookShowCmd, bookListCmd)

	chapterCmd.Flags().BoolVar(&chapterHistory, "history", false, "show the edit history instead of the chapter")
	regenerateCmd.Flags().StringVar(&regenerateNotes, "notes", "", "note recorded with the replaced text")

	rootCmd.AddCommand(projectCmd, bookCmd, chapterCmd, queueBookCmd, queueChapterCmd, regenerateCmd)
}
