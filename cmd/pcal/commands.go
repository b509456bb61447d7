package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"pcal/internal/daycode"
	"pcal/internal/model"
	"pcal/internal/nav"
)

var importCmd = cli.Command{
	Name:   "import",
	Usage:  "Fetch every configured feed once and import it",
	Action: importFeeds,
}

var dayCmd = cli.Command{
	Name:      "day",
	Usage:     "List the occurrences on a day",
	ArgsUsage: "YYYYMMDD",
	Action:    showDay,
}

var rangeCmd = cli.Command{
	Name:      "range",
	Usage:     "List the occurrences overlapping [from, to)",
	ArgsUsage: "FROM TO",
	Action:    showRange,
}

var monthCmd = cli.Command{
	Name:      "month",
	Usage:     "List a month of occurrences",
	ArgsUsage: "YYYY-MM",
	Action:    showMonth,
}

var searchCmd = cli.Command{
	Name:      "search",
	Usage:     "Find events by title, description or location",
	ArgsUsage: "TEXT...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "Only consider occurrences from this date"},
		&cli.StringFlag{Name: "to", Usage: "Only consider occurrences before this date"},
	},
	Action: search,
}

var purgeCmd = cli.Command{
	Name:   "purge-orphans",
	Usage:  "Delete exceptions whose master no longer exists",
	Action: purgeOrphans,
}

func importFeeds(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	results, errs := a.importer.Refresh(ctx, a.fetcher, a.cfg.Sources())
	for _, r := range results {
		fmt.Printf("%s: %d upserted, %d unchanged, %d skipped, %d deleted, %d errors\n",
			r.Source.ID, r.Upserted, r.Unchanged, r.Skipped, r.Deleted, len(r.Errors))
		for _, err := range r.Errors {
			fmt.Printf("  %v\n", err)
		}
	}
	return errors.Join(errs...)
}

func showDay(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "day")
	}
	day, err := daycode.Parse(c.Args().First())
	if err != nil {
		return err
	}
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	loc := a.eng.Location()
	if _, err := a.eng.EnsureAround(ctx, day.Time(loc)); err != nil {
		return err
	}
	rows, err := a.q.Day(ctx, day)
	if err != nil {
		return err
	}
	printResolved(os.Stdout, rows, loc)
	return nil
}

func showRange(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.ShowCommandHelp(c, "range")
	}
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	loc := a.eng.Location()
	from, err := parseDate(c.Args().Get(0), loc)
	if err != nil {
		return err
	}
	to, err := parseDate(c.Args().Get(1), loc)
	if err != nil {
		return err
	}
	if _, err := a.eng.EnsureMaterialized(ctx, to); err != nil {
		return err
	}
	if _, err := a.eng.EnsureMaterializedFrom(ctx, from); err != nil {
		return err
	}
	rows, err := a.q.Range(ctx, from, to)
	if err != nil {
		return err
	}
	printResolved(os.Stdout, rows, loc)
	return nil
}

func showMonth(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "month")
	}
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	loc := a.eng.Location()
	month, err := time.ParseInLocation("2006-01", c.Args().First(), loc)
	if err != nil {
		return fmt.Errorf("month %q: %w", c.Args().First(), err)
	}

	n := nav.NewNavigator(a.eng, a.q, 0)
	var session nav.Session
	if _, err := n.Start(ctx, &session); err != nil {
		return err
	}
	var (
		view    nav.View
		viewErr error
	)
	n.ShowMonth(ctx, &session, month, func(v nav.View, err error) {
		view, viewErr = v, err
	})
	n.Wait()
	if viewErr != nil {
		return viewErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	fmt.Printf("%s .. %s\n", view.First, view.Last)
	printResolved(os.Stdout, view.Items, loc)
	return nil
}

func search(c *cli.Context) error {
	text := strings.Join(c.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return cli.ShowCommandHelp(c, "search")
	}
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	loc := a.eng.Location()
	var within *model.Window
	if c.String("from") != "" || c.String("to") != "" {
		from, err := parseDate(c.String("from"), loc)
		if err != nil {
			return err
		}
		to, err := parseDate(c.String("to"), loc)
		if err != nil {
			return err
		}
		within = &model.Window{Start: from, End: to}
	}
	if _, err := a.eng.EnsureAround(ctx, a.eng.Now()); err != nil {
		return err
	}
	hits, err := a.q.Search(ctx, text, within)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("nothing found")
		return nil
	}
	for _, h := range hits {
		info := h.Event.Info()
		fmt.Printf("%s  %s", h.NextOccurrence.In(loc).Format("2006-01-02 Mon 15:04"), info.Title)
		if info.Location != "" {
			fmt.Printf(" @ %s", info.Location)
		}
		fmt.Println()
	}
	return nil
}

func purgeOrphans(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	n, err := a.eng.PurgeOrphans(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d orphaned exceptions\n", n)
	return nil
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD or RFC 3339", raw)
}

func printResolved(w io.Writer, rows []model.Resolved, loc *time.Location) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "nothing found")
		return
	}
	for _, r := range rows {
		o := r.Occurrence
		info := r.Event.Info()
		when := "all day" + strings.Repeat(" ", 8)
		if !o.AllDay {
			when = o.Start.In(loc).Format("Mon 15:04") + "-" + o.End.In(loc).Format("15:04")
		}
		fmt.Fprintf(w, "%s  %s  %s", o.StartDay, when, info.Title)
		if info.Location != "" {
			fmt.Fprintf(w, " @ %s", info.Location)
		}
		fmt.Fprintln(w)
	}
}
