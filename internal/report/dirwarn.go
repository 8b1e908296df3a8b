package report

import (
	"fmt"
	"io"
	"os"
)

// WarnEntries is the directory size above which the binning hint is printed.
const WarnEntries = 10000

// DirectoryWarning counts the entries of outdir when more than WarnEntries flows were
// finalized and prints a hint to use binning to w if the directory holds at least that
// many. It returns the number of entries counted (0 when the count was skipped).
func DirectoryWarning(w io.Writer, outdir string, finalized uint64) (int, error) {
	return directoryWarning(w, outdir, finalized, WarnEntries)
}

func directoryWarning(w io.Writer, outdir string, finalized uint64, threshold int) (int, error) {
	if finalized <= uint64(threshold) {
		return 0, nil
	}
	d, err := os.Open(outdir)
	if err != nil {
		return 0, err
	}
	defer d.Close()

	count := 0
	for {
		names, err := d.Readdirnames(1024)
		count += len(names)
		if err == io.EOF || len(names) == 0 {
			break
		}
		if err != nil {
			return count, err
		}
	}
	if count < threshold {
		return count, nil
	}
	fmt.Fprintf(w, "*** tcpflow WARNING:\n")
	fmt.Fprintf(w, "*** Modern operating systems do not perform well\n")
	fmt.Fprintf(w, "*** with more than %d entries in a directory.\n", threshold)
	fmt.Fprintf(w, "***\n")
	fmt.Fprintf(w, "*** tcpflow created %d files in output directory %s\n", count, outdir)
	fmt.Fprintf(w, "***\n")
	fmt.Fprintf(w, "*** Next time, specify command-line options: -Fk , -Fm , or -Fg\n")
	fmt.Fprintf(w, "*** This will automatically bin output into subdirectories.\n")
	return count, nil
}
