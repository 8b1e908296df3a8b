package report

import (
	"encoding/xml"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

type rusageElem struct {
	XMLName   xml.Name `xml:"rusage"`
	Utime     string   `xml:"utime"`
	Stime     string   `xml:"stime"`
	MaxRSS    int64    `xml:"maxrss"`
	MinFlt    int64    `xml:"minflt"`
	MajFlt    int64    `xml:"majflt"`
	InBlock   int64    `xml:"inblock"`
	OutBlock  int64    `xml:"oublock"`
	ClockTime string   `xml:"clocktime"`
}

func tv(t unix.Timeval) string {
	return fmt.Sprintf("%d.%06d", t.Sec, t.Usec)
}

func getRusage(elapsed time.Duration) (rusageElem, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return rusageElem{}, err
	}
	return rusageElem{
		Utime:     tv(ru.Utime),
		Stime:     tv(ru.Stime),
		MaxRSS:    int64(ru.Maxrss),
		MinFlt:    int64(ru.Minflt),
		MajFlt:    int64(ru.Majflt),
		InBlock:   int64(ru.Inblock),
		OutBlock:  int64(ru.Oublock),
		ClockTime: fmt.Sprintf("%.6f", elapsed.Seconds()),
	}, nil
}

func goVersion() string { return runtime.Version() }

func sortedParams(m map[string]string) []paramElem {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]paramElem, 0, len(keys))
	for _, k := range keys {
		out = append(out, paramElem{Name: k, Value: m[k]})
	}
	return out
}
