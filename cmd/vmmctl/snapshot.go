package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Snapshot layout: the magic, a little-endian manifest (frame count, then
// paddr/fingerprint pairs) and the zstd-compressed physical memory image.
const snapshotMagic = "BVMM"

var errBadSnapshot = errors.New("not a vmmctl snapshot")

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save or inspect compressed images of physical memory",
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write a compressed image of physical memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := viper.GetString("snapshot.path")
		if flagOut, _ := cmd.Flags().GetString("out"); flagOut != "" {
			out = flagOut
		}
		if out == "" {
			out = "vmm-snapshot.zst"
		}

		machine, m, err := buildDemoWorkload()
		if err != nil {
			return err
		}

		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()

		sums := m.FrameChecksums()
		header := make([]byte, 0, 8+len(sums)*12)
		header = append(header, snapshotMagic...)
		header = binary.LittleEndian.AppendUint32(header, uint32(len(sums)))
		for _, sum := range sums {
			header = binary.LittleEndian.AppendUint32(header, sum.PAddr)
			header = binary.LittleEndian.AppendUint64(header, sum.Fingerprint)
		}
		if _, err := f.Write(header); err != nil {
			return err
		}

		enc, err := zstd.NewWriter(f)
		if err != nil {
			return err
		}
		raw := machine.Mem.Slice(0, machine.Mem.Size())
		if _, err := enc.Write(raw); err != nil {
			enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}

		info, err := f.Stat()
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s: %d populated frames, %d bytes raw, %d bytes on disk\n",
			out, len(sums), machine.Mem.Size(), info.Size())
		return nil
	},
}

var snapshotInfoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Report the manifest and image size of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		sums, err := readSnapshotManifest(f)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		dec, err := zstd.NewReader(f)
		if err != nil {
			return err
		}
		defer dec.Close()
		rawSize, err := io.Copy(io.Discard, dec)
		if err != nil {
			return fmt.Errorf("%s: corrupt memory image: %w", args[0], err)
		}

		fmt.Printf("Snapshot %s: %d populated frames, %d bytes of physical memory\n",
			args[0], len(sums), rawSize)

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PADDR\tFINGERPRINT")
		for _, sum := range sums {
			fmt.Fprintf(w, "%#08x\t%016x\n", sum.paddr, sum.fingerprint)
		}
		return w.Flush()
	},
}

type manifestEntry struct {
	paddr       uint32
	fingerprint uint64
}

// readSnapshotManifest consumes the header written by snapshot save,
// leaving r positioned at the start of the compressed image.
func readSnapshotManifest(r io.Reader) ([]manifestEntry, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, errBadSnapshot
	}
	if string(head[:4]) != snapshotMagic {
		return nil, errBadSnapshot
	}

	count := binary.LittleEndian.Uint32(head[4:])
	body := make([]byte, int(count)*12)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errBadSnapshot
	}

	sums := make([]manifestEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := body[i*12:]
		sums = append(sums, manifestEntry{
			paddr:       binary.LittleEndian.Uint32(entry),
			fingerprint: binary.LittleEndian.Uint64(entry[4:]),
		})
	}
	return sums, nil
}

func init() {
	snapshotSaveCmd.Flags().String("out", "", "output path (default snapshot.path from config, else vmm-snapshot.zst)")
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotInfoCmd)
}
