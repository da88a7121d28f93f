package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/scanrgbd/internal/monitor"
)

const defaultAddr = "http://localhost:8080"

// clientFlags registers the flags shared by every client command.
func clientFlags(name string) (*flag.FlagSet, *string, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Base URL of a running scanrgbd server")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	return fs, addr, timeout
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func handleStatus(args []string) {
	fs, addr, timeout := clientFlags("status")
	fs.Parse(args)
	if err := runStatus(os.Stdout, monitor.NewClient(nil, *addr), *timeout); err != nil {
		fail(err)
	}
}

func runStatus(w io.Writer, c *monitor.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(w, st)
}

func handleExport(args []string) {
	fs, addr, timeout := clientFlags("export")
	name := fs.String("name", "", "Export name (defaults to a timestamp)")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := monitor.NewClient(nil, *addr).Export(ctx, *name)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Exported %d points to %s\n", res.Points, res.Path)
}

func handleDownload(args []string) {
	fs, addr, timeout := clientFlags("download")
	out := fs.String("o", "scan.ply", "Output file")
	confidence := fs.String("confidence", "", "Minimum confidence: low, medium or high")
	fs.Parse(args)

	if err := runDownload(monitor.NewClient(nil, *addr), *out, *confidence, *timeout); err != nil {
		fail(err)
	}
}

func runDownload(c *monitor.Client, out, confidence string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	f, err := os.CreateTemp(filepath.Dir(out), ".scan-*.ply")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	n, err := c.DownloadPLY(ctx, f, confidence)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", n, out)
	return nil
}

func handleRecord(args []string) {
	fs, addr, timeout := clientFlags("record")
	off := fs.Bool("off", false, "Stop recording instead of starting it")
	label := fs.String("label", "", "Label for the new recording session")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := monitor.NewClient(nil, *addr).SetRecording(ctx, !*off, *label)
	if err != nil {
		fail(err)
	}
	if err := printJSON(os.Stdout, st); err != nil {
		fail(err)
	}
}

func handleReset(args []string) {
	fs, addr, timeout := clientFlags("reset")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := monitor.NewClient(nil, *addr).Reset(ctx); err != nil {
		fail(err)
	}
	fmt.Println("Cloud reset")
}
