package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var outputFormat string // "table", "json"

// printJSON writes v as indented JSON.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

// printTable writes rows under header, or v as JSON when -format=json.
func printTable(v any, header []string, rows [][]string) {
	if outputFormat == "json" {
		printJSON(v)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(w, strings.Join(r, "\t"))
	}
	w.Flush()
}

// printFields writes key/value pairs in order.
func printFields(v any, fields [][2]string) {
	if outputFormat == "json" {
		printJSON(v)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(w, "%s\t%s\n", color.CyanString(f[0]), f[1])
	}
	w.Flush()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printError(msg string) {
	fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+msg)
}

func printSuccess(msg string) {
	fmt.Println(color.GreenString("✓") + " " + msg)
}
