// Package main is the command line front end: load a PE, scan it into
// a workspace, and emulate every static caller of a target function to
// recover the arguments it is called with.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stacksift/callcap/core"
	"github.com/stacksift/callcap/loader"
	"github.com/stacksift/callcap/util"
	"github.com/stacksift/callcap/winemu"
	"github.com/stacksift/callcap/workspace"
)

func main() {
	targetAddr := flag.String("t", "", "address of the target function, e.g. 0x401000")
	configFilePath := flag.String("c", "", "path to configuration file")
	outputJSON := flag.Bool("j", false, "output captured contexts as json")
	listFuncs := flag.Bool("funcs", false, "list recognized functions and exit")
	listCallers := flag.Bool("callers", false, "list call sites of the target function and exit")
	useDebugger := flag.Bool("D", false, "step through emulation with the interactive debugger")
	verbose2 := flag.Bool("vv", false, "verbose level 2")
	verbose1 := flag.Bool("v", false, "verbose level 1")

	flag.Parse()

	verboseLevel := 0
	if *verbose1 {
		verboseLevel = 1
	}
	if *verbose2 {
		verboseLevel = 2
	}

	// quit if no binary is passed in
	if flag.NArg() == 0 {
		flag.PrintDefaults()
		return
	}

	logger := buildLogger(verboseLevel)
	defer logger.Sync()
	sugar := logger.Sugar()

	bits, err := loader.Probe(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	mode := uc.MODE_32
	if bits == 64 {
		mode = uc.MODE_64
	}
	opts := winemu.DefaultOptions(mode)
	if *configFilePath != "" {
		if err := util.LoadConfig(*configFilePath, opts); err != nil {
			log.Fatal(err)
		}
	}

	ld, err := loader.Load(flag.Arg(0), opts.ImportAddress)
	if err != nil {
		log.Fatal(err)
	}

	ws := workspace.Scan(ld.Bits, ld.Segments, []uint64{ld.Entry})

	if *listFuncs {
		for _, fva := range ws.Functions() {
			fmt.Printf("0x%08x\n", fva)
		}
		return
	}

	if *targetAddr == "" {
		log.Fatal("no target function, pass -t")
	}
	target, err := strconv.ParseUint(*targetAddr, 0, 64)
	if err != nil {
		log.Fatalf("parsing target address %q: %v", *targetAddr, err)
	}

	if *listCallers {
		for _, site := range ws.Callers(target) {
			caller := "?"
			if fva, err := ws.FunctionContaining(site); err == nil {
				caller = fmt.Sprintf("0x%08x", fva)
			}
			fmt.Printf("0x%08x (in %s)\n", site, caller)
		}
		return
	}

	emu, err := winemu.New(mode, opts, sugar)
	if err != nil {
		log.Fatal(err)
	}
	if err := ld.Map(emu.Uc); err != nil {
		log.Fatal(err)
	}
	for addr, name := range ld.Imports {
		emu.AddImport(addr, name)
	}

	collector := winemu.NewCollector(emu, ws, sugar)
	if *useDebugger {
		dbg, err := winemu.NewDebugger()
		if err != nil {
			log.Fatal(err)
		}
		defer dbg.Close()
		collector.ExtraMonitors = append(collector.ExtraMonitors, dbg)
	}

	contexts := collector.CollectContexts(target)

	if *outputJSON {
		printJSON(contexts)
		return
	}
	printContexts(emu, contexts)
}

func buildLogger(verboseLevel int) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch verboseLevel {
	case 0:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case 1:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	return logger
}

func printContexts(emu *winemu.Emulator, contexts []winemu.FunctionContext) {
	if len(contexts) == 0 {
		fmt.Println("no calls captured")
		return
	}
	for i := range contexts {
		ctx := &contexts[i]
		fmt.Printf("[%d] call at 0x%08x (in 0x%08x), returns to 0x%08x\n",
			i, ctx.CallAddr, ctx.Caller, ctx.Return)
		mem := ctx.Memory(emu.Uc)
		for j, arg := range ctx.Args {
			fmt.Printf("    arg%d = 0x%x%s", j, arg, argPreview(mem, arg))
			fmt.Println()
		}
		fmt.Println(ctx.Registers)
	}
}

// argPreview renders a string preview when the argument points at
// readable text. mem should be the context's call-time memory view,
// not live engine memory.
func argPreview(mem core.Machine, arg uint64) string {
	if arg < 0x1000 {
		return ""
	}
	if s := util.ReadASCII(mem, arg, 0x40); len(s) >= 4 {
		return fmt.Sprintf(" -> %q", s)
	}
	if s := util.ReadWideChar(mem, arg, 0x80); len(s) >= 4 {
		return fmt.Sprintf(" -> L%q", s)
	}
	return ""
}

type jsonContext struct {
	CallAddr  string      `json:"call_addr"`
	Caller    string      `json:"caller"`
	Return    string      `json:"return"`
	Args      []string    `json:"args"`
	Registers interface{} `json:"registers"`
}

func printJSON(contexts []winemu.FunctionContext) {
	out := make([]jsonContext, 0, len(contexts))
	for _, ctx := range contexts {
		jc := jsonContext{
			CallAddr:  fmt.Sprintf("0x%x", ctx.CallAddr),
			Caller:    fmt.Sprintf("0x%x", ctx.Caller),
			Return:    fmt.Sprintf("0x%x", ctx.Return),
			Registers: ctx.Registers,
		}
		for _, arg := range ctx.Args {
			jc.Args = append(jc.Args, fmt.Sprintf("0x%x", arg))
		}
		out = append(out, jc)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal(err)
	}
}
