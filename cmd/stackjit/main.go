// stackjit CLI - runs assembled bytecode programs with the JIT overlay
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/tliron/commonlog"

	"github.com/chazu/stackjit/asm"
	"github.com/chazu/stackjit/config"
	"github.com/chazu/stackjit/jit"
	"github.com/chazu/stackjit/jit/fatal"
	"github.com/chazu/stackjit/jit/image"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("stackjit")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the parsed command line.
type options struct {
	template     string
	noJIT        bool
	inline       bool
	saveTemplate string
	genTemplate  string
	dumpIR       bool
	stats        bool
	verbosity    int
	code         string
	paths        []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("stackjit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.template, "template", "", "Template image (default from stackjit.toml or "+jit.DefaultTemplate+")")
	fs.BoolVar(&o.noJIT, "nojit", false, "Run with the plain interpreter")
	fs.BoolVar(&o.inline, "inline", false, "Execute calls in the caller's dispatch loop")
	fs.StringVar(&o.saveTemplate, "save-template", "", "Save the module, compiled units included, at exit")
	fs.StringVar(&o.genTemplate, "gen-template", "", "Write the standard template image to this path and exit")
	fs.BoolVar(&o.dumpIR, "dump-ir", false, "Print the IR of every compiled unit at exit")
	fs.BoolVar(&o.stats, "stats", false, "Print compiler statistics at exit")
	fs.IntVar(&o.verbosity, "v", -1, "Log verbosity (default from stackjit.toml)")
	fs.StringVar(&o.code, "e", "", "Run assembler source given on the command line")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: stackjit [options] [file.sja]\n\n")
		fmt.Fprintf(stderr, "Assembles a bytecode program and runs its main block.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  stackjit -gen-template module_template.sjt   # Create the template image\n")
		fmt.Fprintf(stderr, "  stackjit prog.sja                            # Run with the JIT\n")
		fmt.Fprintf(stderr, "  stackjit -nojit prog.sja                     # Run with the interpreter\n")
		fmt.Fprintf(stderr, "  stackjit -e 'main\n ECHO \"hi\"\nend'           # Run command line code\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.paths = fs.Args()
	return o, nil
}

func run(args []string, stdout, stderr io.Writer) (code int) {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	verbosity := cfg.Log.Verbosity
	if o.verbosity >= 0 {
		verbosity = o.verbosity
	}
	commonlog.Configure(verbosity, cfg.LogFile())

	if o.genTemplate != "" {
		if err := image.WriteFile(o.genTemplate, image.Standard(), image.Options{Compress: true}); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		log.Infof("wrote template image %s", o.genTemplate)
		if len(o.paths) == 0 && o.code == "" {
			return 0
		}
	}

	prog, err := loadProgram(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var rt *jit.Runtime
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() { finish(rt, o, cfg, stderr) })
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch e := r.(type) {
		case *fatal.Error:
			log.Critical(e.Error())
			fmt.Fprintf(stderr, "%v\n", e)
			code = 1
		case *vm.Error:
			fmt.Fprintf(stderr, "Fatal error: %v\n", e)
			code = 255
		default:
			panic(r)
		}
		cleanup()
	}()

	if cfg.JIT.Enabled && !o.noJIT {
		rt = startRuntime(o, cfg)
		rt.Install()
		onexit.Register(cleanup)
	}

	ex := vm.NewExecutor(stdout)
	ex.InlineCalls = cfg.Interpreter.InlineCalls || o.inline
	ex.RunMain(prog)

	cleanup()
	return 0
}

// loadConfig finds stackjit.toml from the working directory upwards, falling
// back to defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func loadProgram(o *options) (*vm.Program, error) {
	switch {
	case o.code != "" && len(o.paths) > 0:
		return nil, fmt.Errorf("-e and a source file are mutually exclusive")
	case o.code != "":
		return asm.Parse(o.code)
	case len(o.paths) == 1:
		return asm.ParseFile(o.paths[0])
	case len(o.paths) == 0:
		return nil, fmt.Errorf("no program given")
	}
	return nil, fmt.Errorf("expected one source file, got %d", len(o.paths))
}

// startRuntime loads the template image. When neither the command line nor
// a configuration file names a template and the default one is missing, the
// standard template is built in memory.
func startRuntime(o *options, cfg *config.Config) *jit.Runtime {
	path := o.template
	if path == "" {
		path = cfg.TemplatePath()
		if cfg.Dir == "" {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				log.Infof("template %s not found, using the standard template", path)
				return jit.New(image.Standard(), jit.Options{})
			}
		}
	}
	log.Debugf("loading template %s", path)
	return jit.Init(path)
}

// finish reports, saves and shuts down the runtime.
func finish(rt *jit.Runtime, o *options, cfg *config.Config, stderr io.Writer) {
	if rt == nil {
		return
	}
	if o.dumpIR {
		dumpIR(rt, stderr)
	}
	if o.stats {
		printStats(rt.Stats(), stderr)
	}

	save := o.saveTemplate
	if save == "" {
		save = cfg.SaveTemplatePath()
	}
	if save != "" {
		if err := rt.Save(save); err == nil {
			log.Infof("saved module to %s", save)
		}
	}
	rt.Shutdown()
}

func dumpIR(rt *jit.Runtime, w io.Writer) {
	for _, name := range rt.Cached() {
		if fn := rt.Module().Lookup(name); fn != nil {
			ir.Print(w, fn)
			fmt.Fprintln(w)
		}
	}
}

func printStats(s jit.Stats, w io.Writer) {
	fmt.Fprintf(w, "compiled units:   %d\n", s.Compiles)
	fmt.Fprintf(w, "cache hits:       %d\n", s.Hits)
	fmt.Fprintf(w, "cache misses:     %d\n", s.Misses)
	fmt.Fprintf(w, "uncacheable runs: %d\n", s.Uncacheable)
	fmt.Fprintf(w, "cached functions: %d\n", s.Cached)
	fmt.Fprintf(w, "machine code:     %s in %d functions (%d freed)\n",
		units.HumanSize(float64(s.Engine.CodeBytes)), s.Engine.Functions, s.Engine.Freed)
}
