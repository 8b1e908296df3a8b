package flow

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// DefaultTemplate names flows by source and destination address and port, adding the
// instance counter only for reused connections.
const DefaultTemplate = "%A.%a-%B.%b%V"

// Binning prefixes keep directories small by spreading flows over 1K, 1M or 1G buckets
// derived from the flow counter.
const (
	BinK = "%K/"
	BinM = "%M000-%M999/%M%K/"
	BinG = "%G000000-%G999999/%G%M000-%G%M999/%G%M%K/"
)

// Template is a compiled output path template.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	lit string
	tok byte
}

// TemplateVars are the values available to a template at flow creation.
type TemplateVars struct {
	ID      ID
	Counter uint64
	Time    time.Time
}

const templateTokens = "AaBbTtVvCcN#KMG%"

// ParseTemplate compiles s; unknown tokens and a dangling '%' are errors.
func ParseTemplate(s string) (Template, error) {
	t := Template{raw: s}
	var lit strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			lit.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return Template{}, fmt.Errorf("template %q: dangling %%", s)
		}
		tok := s[i+1]
		i++
		if !strings.ContainsRune(templateTokens, rune(tok)) {
			return Template{}, fmt.Errorf("template %q: unknown token %%%c", s, tok)
		}
		if tok == '%' {
			lit.WriteByte('%')
			continue
		}
		if lit.Len() > 0 {
			t.parts = append(t.parts, templatePart{lit: lit.String()})
			lit.Reset()
		}
		t.parts = append(t.parts, templatePart{tok: tok})
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, templatePart{lit: lit.String()})
	}
	return t, nil
}

// MustParseTemplate is ParseTemplate for constant templates.
func MustParseTemplate(s string) Template {
	t, err := ParseTemplate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Template) String() string { return t.raw }

// Expand evaluates the template for one flow.
func (t Template) Expand(v TemplateVars) string {
	var b strings.Builder
	for _, p := range t.parts {
		if p.tok == 0 {
			b.WriteString(p.lit)
			continue
		}
		b.WriteString(expandToken(p.tok, v))
	}
	return b.String()
}

func expandToken(tok byte, v TemplateVars) string {
	inst := v.ID.Instance
	switch tok {
	case 'A':
		return FormatAddr(v.ID.Src)
	case 'a':
		return fmt.Sprintf("%05d", v.ID.SrcPort)
	case 'B':
		return FormatAddr(v.ID.Dst)
	case 'b':
		return fmt.Sprintf("%05d", v.ID.DstPort)
	case 'T':
		return v.Time.UTC().Format("2006-01-02T15:04:05Z")
	case 't':
		return strconv.FormatInt(v.Time.Unix(), 10)
	case 'V':
		if inst == 0 {
			return ""
		}
		return "--" + strconv.FormatUint(uint64(inst), 10)
	case 'C':
		if inst == 0 {
			return ""
		}
		return "c" + strconv.FormatUint(uint64(inst), 10)
	case 'v', 'c', 'N':
		return strconv.FormatUint(uint64(inst), 10)
	case '#':
		return strconv.FormatUint(v.Counter, 10)
	case 'K':
		return fmt.Sprintf("%03d", (v.Counter/1_000)%1000)
	case 'M':
		return fmt.Sprintf("%03d", (v.Counter/1_000_000)%1000)
	case 'G':
		return fmt.Sprintf("%03d", (v.Counter/1_000_000_000)%1000)
	}
	return ""
}

// FormatAddr renders an address for use in file names: zero padded dotted quads for
// IPv4, the fully expanded form for IPv6.
func FormatAddr(a netip.Addr) string {
	a = a.Unmap()
	if a.Is4() {
		b := a.As4()
		return fmt.Sprintf("%03d.%03d.%03d.%03d", b[0], b[1], b[2], b[3])
	}
	if !a.IsValid() {
		return "invalid"
	}
	return a.StringExpanded()
}
