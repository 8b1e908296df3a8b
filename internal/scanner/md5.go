package scanner

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/wheelo/tcpflow/internal/flow"
)

// MD5 annotates each stored flow with the MD5 of its output file.
type MD5 struct{}

// NewMD5 returns the md5 scanner.
func NewMD5() *MD5 { return &MD5{} }

func (*MD5) Name() string  { return "md5" }
func (*MD5) Phases() Phase { return PhaseFlow }

func (*MD5) ScanFlow(rec flow.Record) ([]flow.Annotation, error) {
	if rec.Path == "" {
		return nil, nil
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("md5: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("md5 %s: %w", rec.Path, err)
	}
	return []flow.Annotation{{Key: "md5", Value: hex.EncodeToString(h.Sum(nil))}}, nil
}
