package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zboralski/memlift/internal/arch"
	"github.com/zboralski/memlift/internal/intercept"
	"github.com/zboralski/memlift/internal/loader"
	"github.com/zboralski/memlift/internal/ui/colorize"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <object>",
		Short: "Show image information and which imports are intercepted",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
}

func showInfo(cmd *cobra.Command, args []string) error {
	t, err := loadTarget(cmd, args, nil)
	if err != nil {
		return err
	}
	if t.image == nil {
		return fmt.Errorf("info needs an ELF object")
	}
	img := t.image
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s %s\n", colorize.Header("▶"), filepath.Base(t.path))
	fmt.Fprintf(out, "  %s %s\n", colorize.Detail("Arch:   "), img.Arch)
	fmt.Fprintf(out, "  %s %s  %s %s\n",
		colorize.Detail("Base:   "), colorize.Address(img.Base),
		colorize.Detail("End:"), colorize.Address(img.End))
	fmt.Fprintf(out, "  %s %s\n", colorize.Detail("Entry:  "), colorize.Address(img.Entry))
	fmt.Fprintf(out, "  %s %s  %s %s\n",
		colorize.Detail("Symbols:"), colorize.Number(fmt.Sprint(len(img.Symbols))),
		colorize.Detail("Imports:"), colorize.Number(fmt.Sprint(len(img.Imports))))

	fmt.Fprintln(out)
	fmt.Fprintln(out, colorize.Header("Segments"))
	for _, s := range img.Segments {
		fmt.Fprintf(out, "  %s-%s %s  %s\n",
			colorize.Address(s.VAddr), colorize.Address(s.VAddr+s.MemSz),
			colorize.Perm(s.Perm.String()), colorize.Detail(fmt.Sprintf("file 0x%x+0x%x", s.Offset, s.Size)))
	}

	if len(img.Imports) == 0 {
		return nil
	}
	reg := intercept.NewRegistry()
	intercept.RegisterBuiltins(reg)
	imports := slices.Clone(img.Imports)
	slices.SortFunc(imports, func(a, b loader.Import) int { return strings.Compare(a.Name, b.Name) })
	handled := 0
	fmt.Fprintln(out)
	fmt.Fprintln(out, colorize.Header("Imports"))
	for _, imp := range imports {
		status := colorize.Detail("host")
		if def, ok := reg.Lookup(imp.Name); ok {
			status = colorize.Tag("#" + def.Category)
			handled++
		}
		fmt.Fprintf(out, "  %s %-32s %s\n", colorize.Address(imp.Slot), imp.Name, status)
	}
	fmt.Fprintf(out, "\n%s of %s imports intercepted\n",
		colorize.Number(fmt.Sprint(handled)), colorize.Number(fmt.Sprint(len(img.Imports))))
	return nil
}

func newMapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maps [object]",
		Short: "List the mapped ranges of an object or snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTarget(cmd, args, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range t.as.Ranges() {
				fmt.Fprintf(out, "%s-%s %s %s  %s\n",
					colorize.Address(r.Base), colorize.Address(r.Limit),
					colorize.Perm(r.Perm.String()),
					colorize.Number(fmt.Sprintf("%8x", r.Size())),
					colorize.FuncName(r.Name))
			}
			st := t.as.Stats()
			fmt.Fprintf(out, "%s %d ranges, 0x%x bytes\n", colorize.Border("──"), st.Ranges, st.Mapped)
			return nil
		},
	}
}

func newDisasmCmd() *cobra.Command {
	var (
		start string
		count int
	)
	cmd := &cobra.Command{
		Use:   "disasm [object]",
		Short: "Disassemble from a symbol or address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTarget(cmd, args, nil)
			if err != nil {
				return err
			}
			dec, err := t.decoder()
			if err != nil {
				return err
			}
			pc, err := t.resolve(start)
			if err != nil {
				return err
			}
			names := t.symbolNames()
			out := newOutputWriter(cmd.OutOrStdout())
			defer out.Close()
			for range count {
				code := t.as.FetchCode(pc, dec.MaxInstructionSize())
				if len(code) == 0 {
					break
				}
				inst := decodeAt(dec, code, pc)
				out.Write(formatLine(t.arch, inst, names[pc], nil))
				if inst.Category == arch.Return {
					out.Write("")
				}
				pc += uint64(inst.Size)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&start, "start", "s", "", "symbol or hex address (default: entry)")
	cmd.Flags().IntVarP(&count, "num", "n", 64, "instructions to show")
	return cmd
}
