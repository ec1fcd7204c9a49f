// Command swocat reads a raw SWO trace dump from a file (or stdin) and
// prints each decoded packet, one per line. It has no network dependency
// and exercises only the bare swo package, matching the teacher's
// cmd/agent / cmd/server split between a full daemon and a minimal,
// ambient-stack-free entry point.
//
// Usage:
//
//	swocat -in trace.bin
//	cat trace.bin | swocat
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tripwire/swodecode/swo"
)

// readBufSize is the chunk size used to read the input file into the
// decoder's feed buffer.
const readBufSize = 4096

// contextBufferSize is the size of the swobuf.Buffer backing the decode
// context. It must comfortably exceed the largest single packet (a Sync
// run) plus one read chunk's worth of trailing partial packet.
const contextBufferSize = 8192

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "swocat: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("swocat", flag.ContinueOnError)
	inPath := fs.String("in", "", "path to a raw SWO trace dump (defaults to stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", *inPath, err)
		}
		defer f.Close()
		in = f
	}

	ctx, err := swo.Init(contextBufferSize)
	if err != nil {
		return fmt.Errorf("init decode context: %w", err)
	}
	defer ctx.Exit()

	w := bufio.NewWriter(out)
	defer w.Flush()

	seq := 0
	if err := ctx.SetCallback(func(p *swo.Packet) bool {
		seq++
		fmt.Fprintf(w, "%6d  %-14s  size=%-4d %s\n", seq, p.Type, p.Size, describe(p))
		return true
	}); err != nil {
		return fmt.Errorf("set callback: %w", err)
	}

	buf := make([]byte, readBufSize)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if err := ctx.Feed(buf[:n]); err != nil {
				return fmt.Errorf("feed: %w", err)
			}
			if err := ctx.Decode(0); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read input: %w", readErr)
		}
	}

	if err := ctx.Decode(swo.EOS); err != nil {
		return fmt.Errorf("decode (eos): %w", err)
	}

	return w.Flush()
}

// describe renders the fields relevant to p.Type as a short key=value
// summary, omitting every field that type does not populate.
func describe(p *swo.Packet) string {
	switch p.Type {
	case swo.LTS:
		return fmt.Sprintf("relation=%v value=%d", p.Relation, p.Value)
	case swo.GTS1:
		return fmt.Sprintf("value=%d clkch=%v wrap=%v", p.Value, p.Clkch, p.Wrap)
	case swo.GTS2:
		return fmt.Sprintf("value=%d", p.Value)
	case swo.Ext:
		return fmt.Sprintf("source=%v value=%d", p.Source, p.Value)
	case swo.Inst:
		return fmt.Sprintf("address=%d value=%d", p.Address, p.Value)
	case swo.HW:
		return fmt.Sprintf("address=%d value=%d", p.Address, p.Value)
	case swo.DWTEvtCnt:
		return fmt.Sprintf("cpi=%v exc=%v sleep=%v lsu=%v fold=%v cyc=%v",
			p.CPIWrap, p.ExcWrap, p.SleepWrap, p.LSUWrap, p.FoldWrap, p.CycWrap)
	case swo.DWTExcTrace:
		return fmt.Sprintf("exception=%d function=%v", p.Exception, p.Function)
	case swo.DWTPCSample:
		if p.SleepSample {
			return "sleep=true"
		}
		return fmt.Sprintf("pc=%#x", p.PC)
	case swo.DWTPCValue:
		return fmt.Sprintf("cmpn=%d pc=%#x", p.Cmpn, p.PC)
	case swo.DWTAddrOffset:
		return fmt.Sprintf("cmpn=%d offset=%#x", p.Cmpn, p.Offset)
	case swo.DWTDataValue:
		return fmt.Sprintf("cmpn=%d wnr=%v data=%#x", p.Cmpn, p.WNR, p.Data)
	default:
		return ""
	}
}
