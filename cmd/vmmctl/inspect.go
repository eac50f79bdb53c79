package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List live regions after the demo workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, m, err := buildDemoWorkload()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BASE\tSIZE\tPERM\tCOMMITTED\tNAME\tVMOBJECT")
		for _, r := range m.Regions() {
			fmt.Fprintf(w, "%#08x\t%d\t%s\t%d\t%s\t%s\n",
				r.Base, r.Size, permString(r.Readable, r.Writable, r.Shared), r.Committed, r.Name, r.VMObject[:8])
		}
		return w.Flush()
	},
}

var vmosCmd = &cobra.Command{
	Use:   "vmos",
	Short: "List live VMObjects after the demo workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, m, err := buildDemoWorkload()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSIZE\tPAGES\tPOPULATED\tNAME")
		for _, v := range m.VMObjects() {
			kind := "anon"
			if v.FileBack {
				kind = "file"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
				v.ID[:8], kind, v.Size, v.Pages, v.Populated, v.Name)
		}
		return w.Flush()
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum",
	Short: "Fingerprint every populated frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, m, err := buildDemoWorkload()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PADDR\tFINGERPRINT")
		for _, sum := range m.FrameChecksums() {
			fmt.Fprintf(w, "%#08x\t%016x\n", sum.PAddr, sum.Fingerprint)
		}
		return w.Flush()
	},
}

func permString(readable, writable, shared bool) string {
	perm := []byte("---")
	if readable {
		perm[0] = 'r'
	}
	if writable {
		perm[1] = 'w'
	}
	if shared {
		perm[2] = 's'
	}
	return string(perm)
}
