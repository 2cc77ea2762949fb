package winemu

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/stacksift/callcap/util"
)

var completer = []readline.PrefixCompleterInterface{
	readline.PcItem("quit"),
	readline.PcItem("next"),
	readline.PcItem("run"),
	readline.PcItem("setreg"),
	readline.PcItem("breakpoint"),
	readline.PcItem("show",
		readline.PcItem("breakpoints"),
		readline.PcItem("registers"),
		readline.PcItem("stack")),
}

func filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// Debugger is an interactive step monitor. Installed as an extra run
// monitor it stops before every instruction and reads commands until
// told to continue.
type Debugger struct {
	NopMonitor
	rl           *readline.Instance
	breakpoints  map[uint64]uint64
	autoContinue bool
	lastCommand  string
}

func NewDebugger() (*Debugger, error) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "callcap > ",
		HistoryFile:         os.TempDir() + "/callcap.tmp",
		AutoComplete:        readline.NewPrefixCompleter(completer...),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return nil, err
	}
	l.SetVimMode(true)
	return &Debugger{rl: l, breakpoints: make(map[uint64]uint64)}, nil
}

func (d *Debugger) Close() error {
	return d.rl.Close()
}

func (d *Debugger) OnPreInstruction(emu *Emulator, in *Instruction) error {
	if bp := d.breakpoints[in.Addr]; bp != 0 {
		d.autoContinue = false
	}
	if d.autoContinue {
		return nil
	}

	fmt.Println(in)
	for {
		line, err := d.rl.Readline()
		if err != nil {
			d.autoContinue = true
			return nil
		}
		line = strings.TrimSuffix(line, "\n")
		if len(line) == 0 {
			line = d.lastCommand
		}

		words := strings.Split(line, " ")
		// tab completion leaves a trailing whitespace token
		if len(words) > 0 && words[len(words)-1] == "" {
			words = words[:len(words)-1]
		}

		if len(words) == 1 {
			if words[0] == "q" || words[0] == "quit" || words[0] == "exit" {
				fmt.Println("quitting...")
				os.Exit(0)
			} else if words[0] == "next" || words[0] == "n" {
				d.lastCommand = line
				return nil
			} else if words[0] == "r" || words[0] == "run" {
				d.autoContinue = true
				return nil
			}
		} else if len(words) == 2 {
			if (words[0] == "show" || words[0] == "s") && words[1] == "registers" {
				fmt.Println(emu.Cpu.ReadRegisters())
			} else if (words[0] == "show" || words[0] == "s") && words[1] == "stack" {
				fmt.Print(emu.Cpu.FormatStack(10))
			} else if (words[0] == "show" || words[0] == "s") && words[1] == "breakpoints" {
				fmt.Println("Current breakpoints:")
				for _, v := range d.breakpoints {
					fmt.Printf("  0x%x\n", v)
				}
			} else if words[0] == "breakpoint" || words[0] == "bp" {
				if addr, err := strconv.ParseUint(words[1], 0, 64); err != nil {
					fmt.Println("error parsing address:", words[1])
				} else {
					fmt.Printf("Breakpoint set at: 0x%x\n", addr)
					d.breakpoints[addr] = addr
				}
			}
		} else if len(words) == 3 {
			if words[0] == "setreg" || words[0] == "sr" {
				if v, err := strconv.ParseUint(words[2], 0, 64); err != nil {
					fmt.Println("error parsing value:", words[2])
				} else if reg, err := util.ResolveRegisterByName(words[1]); err != nil {
					fmt.Println(err)
				} else {
					emu.Uc.RegWrite(reg, v)
				}
			}
		}
	}
}
