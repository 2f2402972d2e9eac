package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

// Gruvbox palette
var (
	gruvboxFgDark       = text.Colors{text.FgHiBlack}
	gruvboxFgLight      = text.Colors{text.FgWhite}
	gruvboxRed          = text.Colors{text.FgRed}
	gruvboxGreen        = text.Colors{text.FgGreen}
	gruvboxYellow       = text.Colors{text.FgYellow}
	gruvboxBlue         = text.Colors{text.FgBlue}
	gruvboxAqua         = text.Colors{text.FgCyan}
	gruvboxYellowBright = text.Colors{text.FgHiYellow}
	gruvboxBlueBright   = text.Colors{text.FgHiBlue}
	gruvboxPurpleBright = text.Colors{text.FgHiMagenta}
	gruvboxAquaBright   = text.Colors{text.FgHiCyan}
	gruvboxBold         = text.Colors{text.Bold}
)

// Theme - exported theme colors for consistent UI
var Theme = struct {
	Success   text.Colors
	Info      text.Colors
	Warning   text.Colors
	Error     text.Colors
	Heading   text.Colors
	Subtle    text.Colors
	Important text.Colors
	Accent    text.Colors

	Title       text.Colors
	Divider     text.Colors
	TableHeader text.Colors
	TableBorder text.Colors
	TableRow    text.Colors
	TableAltRow text.Colors
	Badge       text.Colors
}{
	Success:   gruvboxGreen,
	Info:      gruvboxBlue,
	Warning:   gruvboxYellow,
	Error:     gruvboxRed,
	Heading:   append(gruvboxAquaBright, text.Bold),
	Subtle:    gruvboxFgDark,
	Important: append(gruvboxPurpleBright, text.Bold),
	Accent:    gruvboxAqua,

	Title:       append(gruvboxAquaBright, text.Bold),
	Divider:     gruvboxFgDark,
	TableHeader: append(gruvboxBlueBright, text.Bold),
	TableBorder: gruvboxBlue,
	TableRow:    gruvboxFgLight,
	TableAltRow: text.Colors{text.FgWhite, text.Faint},
	Badge:       append(gruvboxYellowBright, text.Bold),
}

// PrintHeading prints a formatted heading
func PrintHeading(title string) {
	fmt.Println(Theme.Heading.Sprint(title))
}

// PrintSubHeading prints a formatted sub-heading
func PrintSubHeading(title string) {
	fmt.Println(Theme.Info.Sprint(title))
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Println(Theme.Success.Sprint("✓ ") + message)
}

// PrintInfo prints an info message
func PrintInfo(message string) {
	fmt.Println(Theme.Info.Sprint("ℹ ") + message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println(Theme.Warning.Sprint("⚠ ") + message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Println(Theme.Error.Sprint("✗ ") + message)
}

// PrintKeyValue prints a key-value pair
func PrintKeyValue(key, value string) {
	fmt.Printf("%s: %s\n", gruvboxBold.Sprint(key), value)
}

// PrintKeyValueWithColor prints a key-value pair with colored value
func PrintKeyValueWithColor(key string, value string, colors text.Colors) {
	fmt.Printf("%s: %s\n", gruvboxBold.Sprint(key), colors.Sprint(value))
}

// PrintDivider prints a horizontal divider
func PrintDivider() {
	fmt.Println(Theme.Divider.Sprint("---------------------------------------------------"))
}

// TableOptions defines options for table creation
type TableOptions struct {
	Title string
	// Pagination options
	EnablePagination bool
	PageSize         int
	CurrentPage      int
}

// DefaultTableOptions returns default table options
func DefaultTableOptions() TableOptions {
	return TableOptions{
		Title:       "innkeep",
		PageSize:    10,
		CurrentPage: 1,
	}
}

// CreateTable creates a new table writing to out with the Gruvbox style
func CreateTable(out io.Writer, opts TableOptions) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)

	if opts.Title != "" {
		t.SetTitle(opts.Title)
	}

	style := table.StyleDouble
	style.Color.Header = Theme.TableHeader
	style.Color.Border = Theme.TableBorder
	style.Color.Row = Theme.TableRow
	style.Color.RowAlternate = Theme.TableAltRow
	style.Title.Colors = Theme.Title
	style.Title.Align = text.AlignCenter
	style.Options.DrawBorder = true
	style.Options.SeparateColumns = true
	style.Options.SeparateFooter = true
	style.Options.SeparateHeader = true
	style.Options.SeparateRows = false
	style.Box.PaddingLeft = " "
	style.Box.PaddingRight = " "
	t.SetStyle(style)

	return t
}

// PrintTable prints a table with headers and rows to stdout
func PrintTable(headers []string, rows [][]string, options ...TableOptions) {
	opts := DefaultTableOptions()
	if len(options) > 0 {
		opts = options[0]
	}
	renderTable(os.Stdout, headers, rows, opts)
}

func renderTable(out io.Writer, headers []string, rows [][]string, opts TableOptions) {
	t := CreateTable(out, opts)

	headerRow := table.Row{}
	configs := make([]table.ColumnConfig, 0, len(headers))
	for i, header := range headers {
		headerRow = append(headerRow, header)
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       text.AlignLeft,
			AlignHeader: text.AlignCenter,
		})
	}
	t.AppendHeader(headerRow)
	t.SetColumnConfigs(configs)

	page, totalPages := rows, 1
	if opts.EnablePagination {
		page, opts.CurrentPage, totalPages = pageOf(rows, opts.CurrentPage, opts.PageSize)
	}
	for _, r := range page {
		row := make(table.Row, 0, len(r))
		for _, cell := range r {
			row = append(row, cell)
		}
		t.AppendRow(row)
	}

	t.Render()

	if opts.EnablePagination {
		fmt.Fprintln(out, Theme.Subtle.Sprintf("Page %d of %d", opts.CurrentPage, totalPages))
	}
}

// pageOf returns the rows of page (1-based, clamped) and the page count
func pageOf(rows [][]string, page, size int) ([][]string, int, int) {
	if size <= 0 {
		size = len(rows)
	}
	if size == 0 {
		return nil, 1, 1
	}

	total := (len(rows) + size - 1) / size
	if total == 0 {
		total = 1
	}
	if page < 1 {
		page = 1
	}
	if page > total {
		page = total
	}

	start := (page - 1) * size
	end := start + size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end], page, total
}

// PrintPaginatedTable prints rows a page at a time, reading navigation from
// stdin. When stdout is not a terminal every row is printed in one table.
func PrintPaginatedTable(headers []string, rows [][]string, pageSize int, title string) {
	opts := DefaultTableOptions()
	opts.Title = title

	if len(rows) == 0 {
		renderTable(os.Stdout, headers, rows, opts)
		fmt.Println(Theme.Subtle.Sprint("No records found."))
		return
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) || len(rows) <= pageSize {
		renderTable(os.Stdout, headers, rows, opts)
		return
	}

	opts.EnablePagination = true
	opts.PageSize = pageSize
	totalPages := (len(rows) + pageSize - 1) / pageSize
	in := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("\033[H\033[2J")
		renderTable(os.Stdout, headers, rows, opts)

		fmt.Printf("%s n next  %s p previous  %s # jump  %s q quit: ",
			Theme.Badge.Sprint("◆"), Theme.Badge.Sprint("◆"), Theme.Badge.Sprint("◆"), Theme.Badge.Sprint("◆"))
		if !in.Scan() {
			return
		}

		next, quit := navigate(strings.TrimSpace(in.Text()), opts.CurrentPage, totalPages)
		if quit {
			return
		}
		opts.CurrentPage = next
	}
}

// navigate maps a pager command to the next page
func navigate(choice string, current, total int) (int, bool) {
	switch strings.ToLower(choice) {
	case "q", "quit", "exit":
		return current, true
	case "", "n", "next":
		if current < total {
			return current + 1, false
		}
		return current, false
	case "p", "prev", "previous":
		if current > 1 {
			return current - 1, false
		}
		return current, false
	case "f", "first":
		return 1, false
	case "l", "last":
		return total, false
	}

	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= total {
		return n, false
	}
	return current, false
}

// CreateProgressTracker creates a progress tracker for a single task
func CreateProgressTracker(message string, totalUnits int64) *progress.Tracker {
	return &progress.Tracker{
		Message: message,
		Total:   totalUnits,
		Units:   progress.UnitsDefault,
	}
}

// CreateProgressWriter creates a progress writer that stops once its trackers finish
func CreateProgressWriter() progress.Writer {
	pw := progress.NewWriter()
	pw.SetAutoStop(true)
	pw.SetTrackerLength(25)
	pw.SetMessageLength(40)
	pw.SetNumTrackersExpected(1)
	pw.SetSortBy(progress.SortByPercentDsc)
	pw.SetStyle(progress.StyleDefault)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetUpdateFrequency(time.Millisecond * 100)
	pw.Style().Colors.Message = Theme.Info
	pw.Style().Colors.Percent = Theme.Important
	pw.Style().Colors.Time = Theme.Subtle
	pw.Style().Colors.Value = Theme.Success
	pw.Style().Options.PercentFormat = " %.1f%%"
	pw.SetOutputWriter(os.Stdout)
	return pw
}

// RenderProgressTrackers starts rendering the trackers in the background
func RenderProgressTrackers(pw progress.Writer, trackers ...*progress.Tracker) {
	for _, tracker := range trackers {
		pw.AppendTracker(tracker)
	}
	go pw.Render()
}
