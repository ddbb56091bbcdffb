// Command pyboxrepl runs an interactive REPL against a pybox engine.
//
// Usage:
//
//	pyboxrepl                    # interactive REPL against context "repl"
//	pyboxrepl -c 'print(1+1)'    # execute a single program and exit
//	pyboxrepl script.py          # execute a script file
//	pyboxrepl --preopen guest=host ...  # repeatable filesystem preopen
//
// Ported from wazero-dash/cmd/dash-wasi/main.go's shell REPL, replacing the
// single-goroutine scanner loop with an errgroup-coordinated line reader and
// signal watcher (golang.org/x/sync/errgroup, the ambient-stack dependency
// SPEC_FULL.md §2 assigns to this command) so Ctrl-C stops the evaluation
// loop. A stdin read already in progress is not interrupted: the reader
// goroutine exits once that read returns (next line or EOF).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/s0duku/pybox"
)

const replContextID = "repl"

func main() {
	preopens := parsePreopens(os.Args)
	engine := pybox.NewEngine(preopens)

	if err := engine.InitLocal(replContextID); err != nil {
		log.Fatalf("pyboxrepl: init context: %v", err)
	}

	// -c flag: execute a single program and exit.
	if len(os.Args) >= 3 && os.Args[1] == "-c" {
		runProgram(engine, os.Args[2])
		return
	}

	// File argument: read and execute.
	if last := os.Args[len(os.Args)-1]; len(os.Args) >= 2 && last != "-" && !isFlagValue(os.Args, last) {
		code, err := os.ReadFile(last)
		if err != nil {
			log.Fatalf("pyboxrepl: read %s: %v", last, err)
		}
		runProgram(engine, string(code))
		return
	}

	if err := runREPL(engine); err != nil {
		log.Fatalf("pyboxrepl: %v", err)
	}
}

// isFlagValue reports whether s is itself a flag or the value consumed by a
// preceding --preopen flag, so a bare script-file argument is still
// recognized when preopens precede it.
func isFlagValue(args []string, s string) bool {
	if len(s) > 0 && s[0] == '-' {
		return true
	}
	for i, a := range args {
		if a == "--preopen" && i+1 < len(args) && args[i+1] == s {
			return true
		}
	}
	return false
}

func runProgram(engine *pybox.Engine, code string) {
	out, err := engine.Exec(code, replContextID)
	if out != "" {
		fmt.Print(out)
	}
	if err != nil {
		log.Fatalf("pyboxrepl: exec: %v", err)
	}
}

// runREPL drives the line-reader and the signal watcher concurrently via
// errgroup.WithContext: a SIGINT/SIGTERM cancels the shared context, which
// ends the evaluation loop at once. The reader goroutine sees the
// cancellation only after its pending scanner.Scan returns (the next input
// line or EOF), and g.Wait waits for it, so runREPL returns at that point.
func runREPL(engine *pybox.Engine) error {
	fmt.Fprintln(os.Stderr, "pyboxrepl (type 'exit' or Ctrl+D to quit)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	lines := make(chan string)

	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, ">>> ")
			if !scanner.Scan() {
				return nil
			}
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				cancel()
				return nil
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					cancel()
					return nil
				}
				if line == "exit" || line == "quit" {
					cancel()
					return nil
				}
				if line == "" {
					continue
				}
				out, err := engine.Exec(line, replContextID)
				if out != "" {
					fmt.Print(out)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
			}
		}
	})

	err := g.Wait()
	fmt.Fprintln(os.Stderr)
	return err
}

// parsePreopens reads --preopen guest=host flags (repeatable) from args,
// forwarded to pybox.NewEngine as the guest's only filesystem view (spec.md
// §6 "Preopened directories").
func parsePreopens(args []string) map[string]string {
	preopens := map[string]string{}
	for i := 1; i < len(args); i++ {
		if args[i] != "--preopen" || i+1 >= len(args) {
			continue
		}
		spec := args[i+1]
		for j := 0; j < len(spec); j++ {
			if spec[j] == '=' {
				preopens[spec[:j]] = spec[j+1:]
				break
			}
		}
	}
	return preopens
}
