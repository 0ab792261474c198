package main

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

var (
	lutSizeFlag  uint32
	lutBlockFlag bool
	lutAllFlag   bool
)

func newLUTCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lut",
		Short: "Print the default flash layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printLayout(cmd.OutOrStdout(), lutSizeFlag, !lutBlockFlag, lutAllFlag)
		},
	}
	cmd.Flags().Uint32Var(&lutSizeFlag, "size", 8<<20, "Chip size in bytes")
	cmd.Flags().BoolVar(&lutBlockFlag, "block-erase", false, "Chip erases in 64KB blocks only")
	cmd.Flags().BoolVar(&lutAllFlag, "all", false, "Include empty slots")
	return cmd
}

func printLayout(w io.Writer, size uint32, sector4K, all bool) error {
	chip := sflash.Chip{Name: "bench", Size: size, Sector4K: sector4K}
	t := lut.Default(chip.EraseUnit())
	if need := t.RequiredSize(); need > size {
		return fmt.Errorf("default layout needs %d bytes, chip has %d", need, size)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Chip: %s\n", chip)
	t.Print(w, all)
	return nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Show what the device will check about an image",
		Long: `Print the image size, the digests the device accepts in metadata and
whether the boot selector will consider the image bootable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return inspectImage(cmd.OutOrStdout(), args[0], data)
		},
	}
}

// bootSignature is what the boot selector requires at the start of a slot.
var bootSignature = []byte{
	elf.ELFMAG[0], elf.ELFMAG[1], elf.ELFMAG[2], elf.ELFMAG[3],
	byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT), byte(elf.ELFOSABI_NONE),
}

func inspectImage(w io.Writer, name string, data []byte) error {
	fmt.Fprintf(w, "Image: %s\n", name)
	fmt.Fprintf(w, "  Size: %d bytes (%d KB)\n", len(data), len(data)/1024)
	for _, kind := range []string{"crc32", "sha256", "sha512"} {
		sum, err := digestHex(kind, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-7s %s\n", kind+":", sum)
	}

	bootable := bytes.HasPrefix(data, bootSignature)
	fmt.Fprintf(w, "  Bootable: %t\n", bootable)
	if !bootable {
		return nil
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		fmt.Fprintf(w, "  ELF: %v\n", err)
		return nil
	}
	defer f.Close()
	fmt.Fprintf(w, "  Machine: %s\n", f.Machine)
	fmt.Fprintf(w, "  Entry: 0x%08x\n", f.Entry)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		fmt.Fprintf(w, "  Load: vaddr=0x%08x paddr=0x%08x filesz=%d memsz=%d\n", p.Vaddr, p.Paddr, p.Filesz, p.Memsz)
	}
	return nil
}
