// mqadmin is a read-only inspector for a waddlemq broker's on-disk
// state: key index files and the replication checkpoint. It opens the
// same data directory a broker instance uses, so it must not be run
// against a directory an active broker is currently writing to.
//
// Usage:
//
//	mqadmin <config-file>
//
// Commands (in REPL):
//
//	query <topic> <key> [tBegin] [tEnd]   Look up physical offsets for a key
//	files                                 Show the number of open index files
//	checkpoint                            Show the last checkpointed timestamp
//	restore <archive-file> <out-file>     Decompress an archived index file
//	help                                  Show this help
//	exit / quit / q                       Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/config"
	"github.com/jptalukdar/waddlemq/internal/keyindex"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return errors.New("usage: mqadmin <config-file>")
	}
	cfg, err := config.Load(os.Args[1])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	checkpoint, err := commitlog.OpenCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("opening checkpoint: %w", err)
	}

	indexSvc := keyindex.NewService(keyindex.Config{
		Dir:           cfg.Index.Dir,
		SlotCount:     cfg.Index.SlotCount,
		MaxEntries:    cfg.Index.MaxEntries,
		MaxQueryCount: cfg.Index.MaxQueryCount,
	}, checkpoint)
	if err := indexSvc.Load(true); err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	defer indexSvc.Close()

	repl := &REPL{index: indexSvc, checkpoint: checkpoint}
	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	index      *keyindex.Service
	checkpoint *commitlog.CheckpointStore
	liner      *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mqadmin_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("mqadmin - waddlemq index inspector (%d files open)\n", r.index.FileCount())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("mqadmin> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "query":
			r.cmdQuery(args)
		case "files":
			r.cmdFiles()
		case "checkpoint":
			r.cmdCheckpoint()
		case "restore":
			r.cmdRestore(args)
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"query", "files", "checkpoint", "restore", "help", "exit", "quit", "q"}
	var out []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  query <topic> <key> [tBegin] [tEnd]   Look up physical offsets for a key")
	fmt.Println("  files                                 Show the number of open index files")
	fmt.Println("  checkpoint                             Show the last checkpointed timestamp")
	fmt.Println("  restore <archive-file> <out-file>     Decompress an archived index file")
	fmt.Println("  help                                   Show this help")
	fmt.Println("  exit / quit / q                        Exit")
}

func (r *REPL) cmdQuery(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: query <topic> <key> [tBegin] [tEnd]")
		return
	}
	topic, key := args[0], args[1]

	tBegin := int64(0)
	tEnd := int64(1<<63 - 1)
	var err error
	if len(args) >= 3 {
		tBegin, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fmt.Printf("Error parsing tBegin: %v\n", err)
			return
		}
	}
	if len(args) >= 4 {
		tEnd, err = strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			fmt.Printf("Error parsing tEnd: %v\n", err)
			return
		}
	}

	offsets, lastTs, lastPhy, err := r.index.QueryOffset(topic, key, 0, tBegin, tEnd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(offsets) == 0 {
		fmt.Println("(no matches)")
	}
	for i, off := range offsets {
		fmt.Printf("%3d. offset=%d\n", i+1, off)
	}
	fmt.Printf("last_update_timestamp=%d last_update_offset=%d\n", lastTs, lastPhy)
}

func (r *REPL) cmdFiles() {
	fmt.Printf("Open index files: %d\n", r.index.FileCount())
}

func (r *REPL) cmdCheckpoint() {
	fmt.Printf("index_msg_timestamp: %d\n", r.checkpoint.IndexMsgTimestamp())
}

func (r *REPL) cmdRestore(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: restore <archive-file> <out-file>")
		return
	}
	raw, err := keyindex.RestoreArchive(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if err := os.WriteFile(args[1], raw, 0644); err != nil {
		fmt.Printf("Error writing %s: %v\n", args[1], err)
		return
	}
	fmt.Printf("restored %d bytes to %s\n", len(raw), args[1])
}
