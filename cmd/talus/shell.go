package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"github.com/talusdb/talus"
)

type cmdShell struct{}

func init() {
	mustAddCmd("shell", "Interactive shell", "Open the keyspace and start an interactive shell.", &cmdShell{})
}

func (cmd *cmdShell) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	NewShell(ks).Run()
	return nil
}

// Shell is an interactive command interface over an open keyspace.
type Shell struct {
	ks          *talus.Keyspace
	current     string // partition selected with use, may be empty
	prompt      string
	historyFile string
	line        *liner.State
	errColor    *color.Color
}

// NewShell creates a new shell instance.
func NewShell(ks *talus.Keyspace) *Shell {
	// History file in the user's home directory.
	var historyFile string
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".talus_history")
	}

	return &Shell{
		ks:          ks,
		prompt:      "talus> ",
		historyFile: historyFile,
		errColor:    color.New(color.FgRed),
	}
}

// Run starts the interactive shell.
func (s *Shell) Run() {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.loadHistory()

	fmt.Println("Talus Shell " + Version)
	fmt.Println("Type \\help for help, \\q to quit")
	fmt.Println()

	s.runLoop()
	s.saveHistory()
}

func (s *Shell) loadHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Open(s.historyFile)
	if err != nil {
		return
	}
	s.line.ReadHistory(f)
	f.Close()
}

func (s *Shell) saveHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Create(s.historyFile)
	if err != nil {
		return
	}
	s.line.WriteHistory(f)
	f.Close()
}

func (s *Shell) runLoop() {
	for {
		input, err := s.line.Prompt(s.prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				fmt.Println("^C")
				continue
			}
			fmt.Println()
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)
		if !s.execute(input) {
			return
		}
	}
}

// execute runs one command line. Returns false to exit.
func (s *Shell) execute(input string) bool {
	var fields = strings.Fields(input)
	var cmd, args = strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "\\q", "\\quit", "exit", "quit":
		return false
	case "\\help", "help":
		s.printHelp()
	case "use":
		s.cmdUse(args)
	case "get":
		s.cmdGet(args)
	case "put":
		s.cmdPut(args)
	case "del", "delete":
		s.cmdDel(args)
	case "scan":
		s.cmdScan(args)
	case "count":
		s.cmdCount(args)
	case "partitions", "ls":
		for _, name := range s.ks.Partitions() {
			fmt.Println(name)
		}
	case "create":
		s.cmdCreate(args)
	case "drop":
		s.cmdDrop(args)
	case "flush":
		s.cmdFlush(args)
	case "compact":
		s.cmdCompact(args)
	case "stats":
		printStats(s.ks.Stats())
	default:
		s.errorf("unknown command %q; try \\help", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Print(`Commands:
  use <partition>                  Select a partition; later commands omit it
  get <key>                        Read a key
  put <key> <value>                Write a key
  del <key>                        Delete a key
  scan [prefix] [n]                List keys in order
  count [prefix]                   Count keys
  partitions                       List partitions
  create <name>                    Create a partition
  drop <name>                      Drop a partition
  flush [partition]                Flush write buffers
  compact [partition]              Compact a partition
  stats                            Show statistics
  \q                               Quit

Without a use selection, key commands take the partition as their first
argument: get <partition> <key>, scan <partition> [prefix] [n], and so on.
`)
}

func (s *Shell) errorf(format string, args ...interface{}) {
	s.errColor.Fprintf(os.Stderr, format+"\n", args...)
}

func (s *Shell) partition(name string) *talus.Partition {
	var p, err = s.ks.OpenPartition(name)
	if err != nil {
		s.errorf("%v", err)
		return nil
	}
	return p
}

// target resolves the partition a key command addresses: the use selection
// when one is set, otherwise the leading argument. It returns the remaining
// arguments.
func (s *Shell) target(args []string) (*talus.Partition, []string) {
	if s.current != "" {
		return s.partition(s.current), args
	}
	if len(args) == 0 {
		s.errorf("no partition selected; try: use <partition>")
		return nil, nil
	}
	return s.partition(args[0]), args[1:]
}

func (s *Shell) cmdUse(args []string) {
	if len(args) == 0 {
		if s.current == "" {
			fmt.Println("no partition selected")
		} else {
			fmt.Println(s.current)
		}
		return
	}
	if len(args) != 1 {
		s.errorf("usage: use <partition>")
		return
	}
	if _, err := s.ks.OpenPartition(args[0]); err != nil {
		s.errorf("%v", err)
		return
	}
	s.current = args[0]
	s.prompt = fmt.Sprintf("talus[%s]> ", s.current)
}

func (s *Shell) cmdGet(args []string) {
	var p, rest = s.target(args)
	if p == nil {
		return
	}
	if len(rest) != 1 {
		s.errorf("usage: get <key>")
		return
	}
	var v, err = p.Get([]byte(rest[0]))
	if err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Println(string(v))
}

func (s *Shell) cmdPut(args []string) {
	var p, rest = s.target(args)
	if p == nil {
		return
	}
	if len(rest) < 2 {
		s.errorf("usage: put <key> <value>")
		return
	}
	// The value is everything after the key, spaces included.
	var seq, err = p.Put([]byte(rest[0]), []byte(strings.Join(rest[1:], " ")))
	if err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Printf("OK (seq %d)\n", seq)
}

func (s *Shell) cmdDel(args []string) {
	var p, rest = s.target(args)
	if p == nil {
		return
	}
	if len(rest) != 1 {
		s.errorf("usage: del <key>")
		return
	}
	if _, err := p.Delete([]byte(rest[0])); err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Println("OK")
}

func (s *Shell) cmdScan(args []string) {
	var p, rest = s.target(args)
	if p == nil {
		return
	}
	if len(rest) > 2 {
		s.errorf("usage: scan [prefix] [limit]")
		return
	}

	var limit int
	if len(rest) == 2 {
		var err error
		if limit, err = strconv.Atoi(rest[1]); err != nil {
			s.errorf("bad limit %q", rest[1])
			return
		}
	}

	var it *talus.Iter
	var err error
	if len(rest) >= 1 {
		it, err = p.IterPrefix([]byte(rest[0]))
	} else {
		it, err = p.Iter(nil, nil)
	}
	if err != nil {
		s.errorf("%v", err)
		return
	}
	defer it.Close()

	var n int
	for it.Next() {
		fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		if n++; limit > 0 && n >= limit {
			break
		}
	}
	fmt.Printf("(%d keys)\n", n)
}

func (s *Shell) cmdCount(args []string) {
	var p, rest = s.target(args)
	if p == nil {
		return
	}
	if len(rest) > 1 {
		s.errorf("usage: count [prefix]")
		return
	}

	var it *talus.Iter
	var err error
	if len(rest) == 1 {
		it, err = p.IterPrefix([]byte(rest[0]))
	} else {
		it, err = p.Iter(nil, nil)
	}
	if err != nil {
		s.errorf("%v", err)
		return
	}
	defer it.Close()

	var n int
	for it.Next() {
		n++
	}
	fmt.Println(n)
}

func (s *Shell) cmdCreate(args []string) {
	if len(args) != 1 {
		s.errorf("usage: create <name>")
		return
	}
	if _, err := s.ks.CreatePartition(args[0], nil); err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Println("OK")
}

func (s *Shell) cmdDrop(args []string) {
	if len(args) != 1 {
		s.errorf("usage: drop <name>")
		return
	}
	if err := s.ks.DropPartition(args[0]); err != nil {
		s.errorf("%v", err)
		return
	}
	if args[0] == s.current {
		s.current = ""
		s.prompt = "talus> "
	}
	fmt.Println("OK")
}

func (s *Shell) cmdFlush(args []string) {
	var err error
	if len(args) > 0 {
		err = s.ks.FlushPartition(args[0])
	} else {
		err = s.ks.FlushAll()
	}
	if err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Println("OK")
}

func (s *Shell) cmdCompact(args []string) {
	var name = s.current
	if len(args) == 1 {
		name = args[0]
	}
	if len(args) > 1 || name == "" {
		s.errorf("usage: compact <partition>")
		return
	}
	if err := s.ks.CompactPartition(name); err != nil {
		s.errorf("%v", err)
		return
	}
	fmt.Println("OK")
}
