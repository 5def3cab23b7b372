// Command tracker traces the execution of a program and reconstructs its
// control-flow graph from the instructions it actually executes.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"

	"github.com/mrglm/tracker/cfg"
	"github.com/mrglm/tracker/decode"
	"github.com/mrglm/tracker/elfbin"
	"github.com/mrglm/tracker/render"
	"github.com/mrglm/tracker/tracer"
)

// version is the tracker release version.
const version = "0.1.0"

var (
	// dbg is a logger which logs debug messages with "tracker:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("tracker:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

const usageMsg = `Usage: tracker [-o FILE|-i|-v|-d|-V|-h] [--] EXEC [ARGS]
Trace the execution of EXEC on the given arguments ARGS

 -o FILE	write result to FILE
 -i		switch to intel syntax (default: at&t)
 -v		verbose output
 -d		debug output
 -V		display version and exit
 -t SIZE	address table bucket count (default: %d)
`

func main() {
	var (
		outputPath string
		intel      bool
		verbose    bool
		debug      bool
		showVer    bool
		tableSize  int
	)
	flag.StringVar(&outputPath, "o", "", "write result to FILE")
	flag.BoolVar(&intel, "i", false, "switch to intel syntax (default: at&t)")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.BoolVar(&debug, "d", false, "debug output")
	flag.BoolVar(&showVer, "V", false, "display version and exit")
	flag.IntVar(&tableSize, "t", cfg.DefaultTableSize, "address table bucket count")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usageMsg, cfg.DefaultTableSize)
	}
	flag.Parse()

	if showVer {
		fmt.Printf("tracker %s\n", version)
		return
	}
	if !debug {
		dbg.SetOutput(ioutil.Discard)
	}

	argv := flag.Args()
	if len(argv) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	output := os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			log.Fatalf("%+v", errors.WithStack(err))
		}
		defer f.Close()
		output = f
	}

	if err := run(argv, output, intel, verbose, debug, tableSize); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(argv []string, output *os.File, intel, verbose, debug bool, tableSize int) error {
	info, err := elfbin.Probe(argv[0])
	if err != nil {
		return errors.WithStack(err)
	}

	dec, err := decode.NewDecoder(info.Arch.Bits(), decode.ParseSyntax(intel))
	if err != nil {
		return errors.WithStack(err)
	}

	builder, err := cfg.NewBuilder(tableSize)
	if err != nil {
		return errors.WithStack(err)
	}

	fmt.Fprintf(output, "tracker: starting to trace '%s'\n\n", joinArgv(argv))

	opts := tracer.Options{Debug: debug, Verbose: verbose}
	steps, err := tracer.Run(argv, info, opts, func(s tracer.Step) error {
		decoded := dec.Decode(s.IP, s.Opcodes[:])
		fmt.Fprintf(output, "%v  % x\t%s\n", s.IP, s.Opcodes[:decoded.Size], decoded.Mnemonic)
		return builder.Observe(s.IP, s.Opcodes[:], decoded.Size, decoded.Mnemonic)
	})
	if err != nil {
		return errors.WithStack(err)
	}

	result := builder.Finish()
	funcs := render.BuildAll(result)
	if debug {
		for _, f := range funcs {
			dbg.Println(f)
		}
	}

	fmt.Fprintf(output, "\n\tStatistics about this run\n\t=========================\n")
	fmt.Fprintf(output, "* #instructions executed: %d\n", steps)
	fmt.Fprintf(output, "* #unique instructions:   %d\n", result.NodeCount())
	fmt.Fprintf(output, "* #functions discovered:  %d\n", result.FunctionCount())
	fmt.Fprintf(output, "* #hashtable buckets:     %d\n", tableSize)
	fmt.Fprintf(output, "* #hashtable collisions:  %d\n\n", result.Collisions())

	return nil
}

func joinArgv(argv []string) string {
	s := argv[0]
	for _, arg := range argv[1:] {
		s += " " + arg
	}
	return s
}
