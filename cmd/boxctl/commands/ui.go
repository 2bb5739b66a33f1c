package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/charmbracelet/huh/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/encabox/encabox/internal/token"
	"github.com/ethereum/go-ethereum/common"
)

// StatusBox renders a titled box with key-value fields.
//
//	StatusBox("Unit 1", [][2]string{{"Owner", "0xf39F...2266"}, {"Burned", "no"}})
func StatusBox(title string, fields [][2]string) string {
	if !isTTY() {
		return statusBoxPlain(title, fields)
	}

	var sb strings.Builder
	sb.WriteString(StyleHeader.Render(title))
	sb.WriteString("\n")
	for _, f := range fields {
		sb.WriteString(StyleLabel.Render(f[0]) + StyleValue.Render(f[1]) + "\n")
	}
	return StyleBox.Render(strings.TrimRight(sb.String(), "\n"))
}

func statusBoxPlain(title string, fields [][2]string) string {
	var sb strings.Builder
	sb.WriteString(title + "\n")
	sb.WriteString(strings.Repeat("=", len(title)) + "\n")
	for _, f := range fields {
		sb.WriteString(fmt.Sprintf("%-14s %s\n", f[0]+":", f[1]))
	}
	return sb.String()
}

// RenderTable renders a styled table with headers and rows
func RenderTable(headers []string, rows [][]string) string {
	if !isTTY() {
		return renderTablePlain(headers, rows)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorDim)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return StyleTableHeader
			}
			if row%2 == 0 {
				return StyleTableRow
			}
			return StyleTableRowAlt
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

func renderTablePlain(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(fmt.Sprintf("%-*s  ", widths[i], h))
	}
	sb.WriteString("\n")
	for i, w := range widths {
		sb.WriteString(strings.Repeat("-", w))
		if i < len(widths)-1 {
			sb.WriteString("  ")
		}
	}
	sb.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(fmt.Sprintf("%-*s  ", widths[i], cell))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Success prints a success message
func Success(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleSuccess.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[OK] "+msg)
	}
}

// Failure prints an error message
func Failure(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleError.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[ERROR] "+msg)
	}
}

// Warning prints a warning message
func Warning(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleWarning.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[WARN] "+msg)
	}
}

// Info prints an informational message
func Info(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleInfo.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[INFO] "+msg)
	}
}

// WithSpinner runs fn while showing a spinner with msg. Without a terminal
// it prints msg to w instead. Returns the error from fn.
func WithSpinner(w io.Writer, msg string, fn func() error) error {
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", msg)
		return fn()
	}

	var fnErr error
	err := spinner.New().
		Title(msg).
		Action(func() {
			fnErr = fn()
		}).
		Run()
	if err != nil {
		return err
	}
	return fnErr
}

// FormatAddress shortens an address to 0x1234...abcd on terminals
func FormatAddress(addr common.Address) string {
	hex := addr.Hex()
	if !isTTY() {
		return hex
	}
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// FormatTokens renders base units as a decimal token amount
func FormatTokens(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return token.FormatAmount(amount)
}

func jsonOutput() bool {
	return OutputFormat == "json"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
