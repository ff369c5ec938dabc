// Command jstar runs a Blang/J* source file. It is a thin driver over
// pkg/vm: read the file, hand it to Interpret, and map the result to a
// process exit code the way original_source/src/cli/cli.c does (spec.md
// §6's CLI contract, supplemented by SPEC_FULL.md §4): 0 on success, 1 for
// a usage/file error, 65 for a compile error, 70 for an uncaught runtime
// exception.
package main

import (
	"fmt"
	"os"

	"github.com/stensalweb/jstar/pkg/vm"
)

const (
	exitSuccess    = 0
	exitUsageError = 1
	exitDataError  = 65
	exitRuntime    = 70
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: jstar <file.jstar>")
		return exitUsageError
	}

	path := args[1]
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jstar: %v\n", err)
		return exitUsageError
	}

	moduleName := moduleNameFor(path)
	opts := vm.DefaultOptions()
	opts.Loader = fileLoader(path)
	interp := vm.New(opts)

	_, err = interp.Interpret(src, moduleName)
	if err == nil {
		return exitSuccess
	}

	if ce, ok := err.(*vm.CompileError); ok {
		for _, m := range ce.Messages {
			fmt.Fprintln(os.Stderr, m)
		}
		return exitDataError
	}

	fmt.Fprintln(os.Stderr, err.Error())
	return exitRuntime
}

// moduleNameFor derives a module name from a source path the way
// original_source's import resolver names the entry module: the base
// file name without its extension.
func moduleNameFor(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			base = path[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

// fileLoader resolves an imported module name to a sibling file in the
// entry script's directory, named "<name>.jstar".
func fileLoader(entryPath string) vm.ModuleLoader {
	dir := "."
	for i := len(entryPath) - 1; i >= 0; i-- {
		if entryPath[i] == '/' || entryPath[i] == '\\' {
			dir = entryPath[:i]
			break
		}
	}
	return func(name string) ([]byte, bool) {
		data, err := os.ReadFile(dir + "/" + name + ".jstar")
		if err != nil {
			return nil, false
		}
		return data, true
	}
}
