package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/trace"
	"github.com/zboralski/memlift/internal/ui/colorize"
)

// outputWriter batches lines onto a buffered writer flushed on a ticker, so
// hooks running inside the emulator never wait on the terminal.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	ow := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go ow.run()
	return ow
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	w.ch <- line
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// instructionTags tags an instruction by its control-flow class and a few
// mnemonics worth spotting in a trace.
func instructionTags(inst arch.Instruction) []string {
	var tags []string
	switch inst.Category {
	case arch.DirectCall:
		tags = append(tags, "#call")
	case arch.IndirectCall:
		tags = append(tags, "#call", "#br")
	case arch.IndirectJump:
		tags = append(tags, "#br")
	case arch.Return:
		tags = append(tags, "#ret")
	}
	fields := strings.Fields(strings.ToUpper(inst.Text))
	if len(fields) == 0 {
		return tags
	}
	switch fields[0] {
	case "EOR", "XOR", "PXOR", "VPXOR":
		tags = append(tags, "#xor")
	case "SVC", "SYSCALL":
		tags = append(tags, "#syscall")
	}
	return tags
}

const insnCol = 56

// formatLine renders one instruction with its symbol and any intercept
// events raised since the previous line.
func formatLine(archName string, inst arch.Instruction, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)
	visible := 0

	b.WriteString(colorize.Address(inst.PC))
	b.WriteString("  ")
	visible += len(fmt.Sprintf("%08X", inst.PC)) + 2

	hexBytes := fmt.Sprintf("%-16s", hex.EncodeToString(inst.Bytes))
	b.WriteString(colorize.HexBytes(hexBytes))
	b.WriteString("  ")
	visible += len(hexBytes) + 2

	b.WriteString(colorize.Instruction(archName, inst.Text))
	visible += len(inst.Text)

	tags := instructionTags(inst)
	var comments []string
	for _, e := range events {
		tags = append(tags, e.Tags.Strings()...)
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
	}
	if len(tags) > 0 || len(comments) > 0 {
		for visible < insnCol {
			b.WriteByte(' ')
			visible++
		}
		b.WriteString(colorize.Detail("; "))
		if len(tags) > 0 {
			b.WriteString(colorize.Tag(strings.Join(tags, " ")))
			b.WriteByte(' ')
		}
		if len(comments) > 0 {
			b.WriteString(colorize.Detail(strings.Join(comments, ", ")))
			b.WriteByte(' ')
		}
	}

	if funcName != "" {
		b.WriteByte(' ')
		b.WriteString(colorize.FuncName(funcName))
	}
	return strings.TrimRight(b.String(), " ")
}

// decodeAt decodes the instruction at pc, falling back to a raw byte line.
func decodeAt(dec arch.Decoder, code []byte, pc uint64) arch.Instruction {
	inst, err := dec.Decode(pc, code)
	if err != nil {
		n := min(len(code), 4)
		return arch.Instruction{PC: pc, Size: max(n, 1), Text: fmt.Sprintf(".byte %x", code[:n]), Bytes: code[:n]}
	}
	return inst
}
