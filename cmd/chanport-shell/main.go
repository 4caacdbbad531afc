// chanport-shell is an interactive console over the channel engine. It
// exposes the observable command boundary: connect/send/recv/close for
// a client channel, the six allocation counters, and run-time trace
// control.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	getopt "github.com/pborman/getopt/v2"
	"github.com/peterh/liner"

	"github.com/orizon-lang/chanport/internal/engine"
	"github.com/orizon-lang/chanport/internal/tcpchan"
	"github.com/orizon-lang/chanport/internal/trace"
)

var commands = []string{
	"connect", "send", "recv", "option", "stats", "trace", "close", "help", "quit",
}

func main() {
	optTrace := getopt.StringLong("trace", 't', "", "Trace configuration file")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}
	if *optTrace != "" {
		stop, err := trace.Watch(*optTrace)
		if err != nil {
			slog.Error("cannot load trace configuration", "path", *optTrace, "err", err)
			os.Exit(1)
		}
		defer stop()
	}

	eng, err := engine.New(trace.Logger("engine"))
	if err != nil {
		slog.Error("engine start failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = eng.Shutdown(2 * time.Second) }()

	sh := &shell{eng: eng}
	defer sh.closeConn()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(l)) {
				out = append(out, c)
			}
		}
		return out
	})

	for {
		input, err := line.Prompt("chanport> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return
			}
			fmt.Println("Error: " + err.Error())
			return
		}
		line.AppendHistory(input)
		if sh.dispatch(input) {
			return
		}
	}
}

type shell struct {
	eng  *engine.Engine
	conn *tcpchan.Conn
}

// dispatch runs one command line; it reports true on quit.
func (sh *shell) dispatch(input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Println("commands: connect <host:port> | send <text> | recv [n] |")
		fmt.Println("          option <name> [value] | stats | trace <level> | close | quit")
	case "connect":
		sh.cmdConnect(args)
	case "send":
		sh.cmdSend(args)
	case "recv":
		sh.cmdRecv(args)
	case "option":
		sh.cmdOption(args)
	case "stats":
		sh.cmdStats()
	case "trace":
		sh.cmdTrace(args)
	case "close":
		sh.closeConn()
	default:
		fmt.Printf("unknown command %q; try help\n", cmd)
	}
	return false
}

func (sh *shell) cmdConnect(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: connect <host:port>")
		return
	}
	sh.closeConn()
	conn, err := tcpchan.Connect(sh.eng, args[0], false)
	if err != nil {
		fmt.Println("Error: " + err.Error())
		return
	}
	sh.conn = conn
	fmt.Println("connected to " + args[0])
}

func (sh *shell) cmdSend(args []string) {
	if sh.conn == nil {
		fmt.Println("not connected")
		return
	}
	data := []byte(strings.Join(args, " ") + "\n")
	n, err := sh.conn.Channel().Write(data)
	if err != nil {
		fmt.Println("Error: " + err.Error())
		return
	}
	fmt.Printf("sent %d bytes\n", n)
}

func (sh *shell) cmdRecv(args []string) {
	if sh.conn == nil {
		fmt.Println("not connected")
		return
	}
	size := 4096
	if len(args) == 1 {
		fmt.Sscanf(args[0], "%d", &size)
	}
	buf := make([]byte, size)
	n, err := sh.conn.Channel().Read(buf)
	switch {
	case errors.Is(err, io.EOF):
		fmt.Println("eof")
	case err != nil:
		fmt.Println("Error: " + err.Error())
	default:
		fmt.Printf("%q\n", buf[:n])
	}
}

func (sh *shell) cmdOption(args []string) {
	if sh.conn == nil {
		fmt.Println("not connected")
		return
	}
	ch := sh.conn.Channel()
	switch len(args) {
	case 1:
		v, err := ch.GetOption(args[0])
		if err != nil {
			fmt.Println("Error: " + err.Error())
			return
		}
		fmt.Println(v)
	case 2:
		if err := ch.SetOption(args[0], args[1]); err != nil {
			fmt.Println("Error: " + err.Error())
		}
	default:
		fmt.Println("usage: option <name> [value]; names: " +
			strings.Join(ch.OptionNames(), " "))
	}
}

func (sh *shell) cmdStats() {
	s := sh.eng.Stats()
	fmt.Printf("channels:     %d allocated, %d freed\n", s.ChannelAllocs, s.ChannelFrees)
	fmt.Printf("buffers:      %d allocated, %d freed\n", s.BufferAllocs, s.BufferFrees)
	fmt.Printf("data buffers: %d allocated, %d freed\n", s.DataBufferAllocs, s.DataBufferFrees)
}

func (sh *shell) cmdTrace(args []string) {
	if len(args) != 1 {
		fmt.Printf("trace level is %v\n", trace.Level())
		return
	}
	lv, ok := trace.ParseLevel(args[0])
	if !ok {
		fmt.Println("usage: trace debug|info|warn|error")
		return
	}
	trace.SetLevel(lv)
}

func (sh *shell) closeConn() {
	if sh.conn != nil {
		_ = sh.conn.Channel().Close()
		sh.conn = nil
	}
}
