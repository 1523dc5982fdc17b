package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/history"
	"github.com/JonMunkholm/cellvault/internal/logging"
	"github.com/JonMunkholm/cellvault/internal/patch"
	"github.com/JonMunkholm/cellvault/internal/workbook"
	"github.com/JonMunkholm/cellvault/internal/xlsx"
)

// maxShowCells caps the cells printed per sheet by show unless --all is set.
const maxShowCells = 20

type cli struct {
	logLevel string
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "cefctl",
		Short:         "Inspect and convert workbook files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.logger = logging.New(cmd.ErrOrStderr(), c.logLevel, "text")
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(
		c.showCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.applyCmd(),
		c.logCmd(),
		c.backupsCmd(),
	)
	return root
}

func (c *cli) codec() *cef.Codec {
	return cef.New(cef.WithLogger(c.logger))
}

func (c *cli) load(path string) (*workbook.Memory, error) {
	wb := workbook.NewMemory(nil)
	if err := c.codec().Load(path, wb); err != nil {
		return nil, err
	}
	return wb, nil
}

func (c *cli) showCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "show <file.cef>",
		Short: "Print the sheets and cells of a workbook file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wb, err := c.load(args[0])
			if err != nil {
				return err
			}
			return printWorkbook(cmd.OutOrStdout(), wb, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Print every cell instead of the first 20 per sheet")
	return cmd
}

func printWorkbook(out io.Writer, wb workbook.Workbook, all bool) error {
	names := wb.SheetNames()
	fmt.Fprintf(out, "%d sheet(s)\n", len(names))

	for _, name := range names {
		sheet, ok := wb.Sheet(name)
		if !ok {
			continue
		}
		entries := sheet.Cells()
		fmt.Fprintf(out, "\n[%s] %d cell(s)", name, len(entries))
		if r, ok := sheet.UsedRange(); ok {
			fmt.Fprintf(out, " %s:%s", r.Start.A1(), r.End.A1())
		}
		fmt.Fprintln(out)

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for i, e := range entries {
			if !all && i == maxShowCells {
				fmt.Fprintf(tw, "  ...\t%d more\n", len(entries)-maxShowCells)
				break
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s", e.Coord.A1(), e.Cell.Value.Kind(), e.Cell.Value.Text())
			if e.Cell.Formula != "" {
				fmt.Fprintf(tw, "\tformula: %s", e.Cell.Formula)
			}
			fmt.Fprintln(tw)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.cef> <out.xlsx>",
		Short: "Convert a workbook file to xlsx",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wb, err := c.load(args[0])
			if err != nil {
				return err
			}
			if err := xlsx.ExportFile(wb, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d sheet(s) to %s\n", len(wb.SheetNames()), args[1])
			return nil
		},
	}
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <in.xlsx> <out.cef>",
		Short: "Convert an xlsx file to a workbook file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wb := workbook.NewMemory(nil)
			if err := xlsx.ImportFile(args[0], wb, c.logger); err != nil {
				return err
			}
			if err := c.codec().Save(wb, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sheet(s) to %s\n", len(wb.SheetNames()), args[1])
			return nil
		},
	}
}

func (c *cli) applyCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "apply <base.cef> <patch>",
		Short: "Replay a patch onto a workbook file",
		Long: `apply loads base.cef, replays the patch and writes the result.
Without -o the base file is overwritten.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := patch.ReadFile(args[1])
			if err != nil {
				return err
			}
			if err := p.CheckVersion(); err != nil {
				return err
			}

			wb, err := c.load(args[0])
			if err != nil {
				return err
			}
			res := patch.Apply(wb, p, c.logger)

			dest := output
			if dest == "" {
				dest = args[0]
			}
			if err := c.codec().Save(wb, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d cell(s), skipped %d, sheets +%d -%d; wrote %s\n",
				res.Applied, res.Skipped, res.Added, res.Removed, dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: overwrite base)")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List the commits of a repository, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := history.ReadLog(repo)
			if err != nil {
				return err
			}
			commits := log.Commits
			history.SortByTime(commits)

			head := ""
			if log.Head != nil {
				head = *log.Head
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, ci := range commits {
				marker := ""
				if ci.CommitID == head {
					marker = " (HEAD)"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n",
					ci.CommitID, marker,
					ci.Time().UTC().Format(time.RFC3339),
					ci.Author, ci.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "data/repo", "Repository directory")
	return cmd
}

func (c *cli) backupsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := backup.List(dir)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no backups")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, b := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.Created.UTC().Format(time.RFC3339), b.Size)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data/backups", "Backup directory")
	return cmd
}
