// Command melange is an operator CLI for inspecting and poking at a
// melange database directory from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/melange-db/melange/pkg/melange"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(os.Stdout, os.Stderr, os.Args, sigCh))
}

// run is the dispatch entry point, grounded on the teacher's global
// pflag-FlagSet-then-subcommand-dispatch shape (internal/cli/run.go),
// generalized from ticket-system commands to database commands and pared
// down to a plain stdout/stderr IO (the teacher's IO additionally buffers
// LLM-oriented warnings, a ticket-system-specific concern this CLI has no
// equivalent of).
func run(out, errOut io.Writer, args []string, sigCh <-chan os.Signal) int {
	global := flag.NewFlagSet("melange", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.Usage = func() {}
	global.SetOutput(io.Discard)

	flagHelp := global.BoolP("help", "h", false, "Show help")
	flagPath := global.StringP("path", "p", "", "Database directory (required)")
	flagConfig := global.StringP("config", "c", "", "JSONC config file path")

	if err := global.Parse(args[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	commands := allCommands()

	commandAndArgs := global.Args()

	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(out)

		return 0
	}

	name := commandAndArgs[0]

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut)

		return 1
	}

	if *flagPath == "" {
		fmt.Fprintln(errOut, "error: --path is required")

		return 1
	}

	opts := melange.DefaultOptions(*flagPath)

	if *flagConfig != "" {
		loaded, err := melange.LoadConfigFile(*flagConfig, opts)
		if err != nil {
			fmt.Fprintln(errOut, "error loading config:", err)

			return 1
		}

		opts = loaded
	}

	db, err := melange.Open(opts)
	if err != nil {
		fmt.Fprintln(errOut, "error opening database:", err)

		return 1
	}

	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.exec(ctx, out, errOut, db, commandAndArgs[1:])
	}()

	select {
	case code := <-done:
		return code
	case <-sigCh:
		fmt.Fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	select {
	case <-done:
		return 130
	case <-time.After(5 * time.Second):
		fmt.Fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130
	}
}

// command is a single subcommand, pared down from the teacher's Command
// struct (which additionally carries its own *flag.FlagSet and Long/Short
// help text for a larger command surface than this CLI needs).
type command struct {
	name  string
	usage string
	short string
	exec  func(ctx context.Context, out, errOut io.Writer, db *melange.Db, args []string) int
}

func allCommands() map[string]*command {
	cmds := []*command{
		{name: "get", usage: "get <tree> <key>", short: "Read one value", exec: cmdGet},
		{name: "put", usage: "put <tree> <key> <value>", short: "Insert or overwrite a value", exec: cmdPut},
		{name: "delete", usage: "delete <tree> <key>", short: "Remove a key", exec: cmdDelete},
		{name: "range", usage: "range <tree> [lo] [hi]", short: "List keys in [lo, hi)", exec: cmdRange},
		{name: "flush", usage: "flush <tree>", short: "Force an immediate flush", exec: cmdFlush},
		{name: "gc", usage: "gc", short: "Force an immediate heap compaction pass", exec: cmdGC},
		{name: "stat", usage: "stat", short: "Print heap allocator statistics", exec: cmdStat},
	}

	out := make(map[string]*command, len(cmds))
	for _, c := range cmds {
		out[c.name] = c
	}

	return out
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: melange --path <dir> [--config <file>] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	for _, c := range allCommands() {
		fmt.Fprintf(w, "  %-28s %s\n", c.usage, c.short)
	}
}

func cmdGet(_ context.Context, out, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(errOut, "usage: get <tree> <key>")

		return 1
	}

	tree, err := db.OpenTree(args[0])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	value, found, err := tree.Get([]byte(args[1]))
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if !found {
		fmt.Fprintln(errOut, "not found")

		return 1
	}

	fmt.Fprintln(out, string(value))

	return 0
}

func cmdPut(_ context.Context, _, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) != 3 {
		fmt.Fprintln(errOut, "usage: put <tree> <key> <value>")

		return 1
	}

	tree, err := db.OpenTree(args[0])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if _, err := tree.Insert([]byte(args[1]), []byte(args[2])); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

func cmdDelete(_ context.Context, _, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(errOut, "usage: delete <tree> <key>")

		return 1
	}

	tree, err := db.OpenTree(args[0])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if _, err := tree.Remove([]byte(args[1])); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

func cmdRange(_ context.Context, out, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) < 1 || len(args) > 3 {
		fmt.Fprintln(errOut, "usage: range <tree> [lo] [hi]")

		return 1
	}

	tree, err := db.OpenTree(args[0])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	var lo, hi []byte

	if len(args) >= 2 {
		lo = []byte(args[1])
	}

	if len(args) == 3 {
		hi = []byte(args[2])
	}

	it := tree.Range(lo, hi)

	var rows []string

	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}

		rows = append(rows, fmt.Sprintf("%s=%s", key, value))
	}

	if err := it.Err(); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	fmt.Fprintln(out, strings.Join(rows, "\n"))

	return 0
}

func cmdFlush(_ context.Context, _, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(errOut, "usage: flush <tree>")

		return 1
	}

	tree, err := db.OpenTree(args[0])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if err := tree.Flush(); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

func cmdGC(_ context.Context, _, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(errOut, "usage: gc")

		return 1
	}

	if err := db.GC(); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

func cmdStat(_ context.Context, out, errOut io.Writer, db *melange.Db, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(errOut, "usage: stat")

		return 1
	}

	for class, s := range db.HeapStats() {
		fmt.Fprintf(out, "class %d: slot_size=%d slot_count=%d free_slots=%d fill_ratio=%.3f generation=%d gc_count=%d\n",
			class, s.SlotSize, s.SlotCount, s.FreeSlots, s.FillRatio, s.Generation, s.GCCount)
	}

	return 0
}
