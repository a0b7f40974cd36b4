// Package analyzer is the pre-execution filter: it parses submitted Python
// source and rejects imports, calls and attribute accesses named in a
// denylist table.
//
// The filter is syntactic. Novel encodings of a forbidden capability can get
// past it, so it only ever runs in front of process containment and never
// replaces it.
package analyzer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// ErrSourceTooLarge is returned for sources above MaxSourceBytes.
var ErrSourceTooLarge = errors.New("source exceeds size limit")

// MaxSourceBytes bounds the parser input.
const MaxSourceBytes = 1 << 20

// VerdictKind classifies a submission before execution.
type VerdictKind string

const (
	VerdictSafe          VerdictKind = "safe"
	VerdictBlocked       VerdictKind = "blocked"
	VerdictSyntaxInvalid VerdictKind = "syntax_invalid"
)

// Verdict is the analyzer's decision. Reason and Fragment are set for
// Blocked, Detail for SyntaxInvalid.
type Verdict struct {
	Kind     VerdictKind `json:"kind"`
	Reason   string      `json:"reason,omitempty"`
	Fragment string      `json:"fragment,omitempty"`
	Line     int         `json:"line,omitempty"`
	Rule     *Rule       `json:"rule,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// Safe reports whether execution may proceed.
func (v Verdict) Safe() bool { return v.Kind == VerdictSafe }

func (v Verdict) String() string {
	switch v.Kind {
	case VerdictBlocked:
		return fmt.Sprintf("blocked: %s", v.Reason)
	case VerdictSyntaxInvalid:
		return fmt.Sprintf("syntax invalid: %s", v.Detail)
	default:
		return string(v.Kind)
	}
}

// Analyzer evaluates sources against a denylist table.
type Analyzer struct {
	table *Table
}

// New creates an Analyzer. A nil table selects DefaultTable.
func New(table *Table) *Analyzer {
	if table == nil {
		table = DefaultTable()
	}
	return &Analyzer{table: table}
}

// Table returns the rules in use.
func (a *Analyzer) Table() *Table { return a.table }

// Analyze returns the verdict for source. Malformed source yields
// SyntaxInvalid without any further analysis. The error is non-nil only
// when the analyzer itself could not run.
func (a *Analyzer) Analyze(ctx context.Context, source string) (Verdict, error) {
	if len(source) > MaxSourceBytes {
		return Verdict{}, fmt.Errorf("%w: %d bytes (max %d)", ErrSourceTooLarge, len(source), MaxSourceBytes)
	}

	logger := log.With().
		Str("code_hash", fmt.Sprintf("%x", sha256.Sum256([]byte(source)))[:16]).
		Int("table_version", a.table.Version).
		Logger()

	if !utf8.ValidString(source) {
		logger.Info().Msg("rejected source: not valid UTF-8")
		return Verdict{Kind: VerdictSyntaxInvalid, Detail: "source is not valid UTF-8"}, nil
	}

	root, synErr, err := Parse(ctx, []byte(source))
	if err != nil {
		return Verdict{}, err
	}
	if synErr != nil {
		logger.Info().Str("detail", synErr.Error()).Msg("rejected source: syntax invalid")
		return Verdict{Kind: VerdictSyntaxInvalid, Detail: synErr.Error()}, nil
	}

	if v := (&walker{table: a.table}).visit(root); v != nil {
		logger.Warn().
			Str("reason", v.Reason).
			Int("line", v.Line).
			Str("category", v.Rule.Category).
			Msg("rejected source: policy violation")
		return *v, nil
	}

	logger.Debug().Msg("source passed static analysis")
	return Verdict{Kind: VerdictSafe}, nil
}

// walker is the recursive visitor over the lowered tree. The first
// violation in source order wins.
type walker struct {
	table *Table
}

func (w *walker) visit(n *Node) *Verdict {
	var v *Verdict
	switch n.Kind {
	case KindImport:
		v = w.visitImport(n)
	case KindImportFrom:
		v = w.visitImportFrom(n)
	case KindCall:
		v = w.visitCall(n)
	case KindAttribute:
		v = w.visitAttribute(n)
	case KindName:
		v = w.visitName(n)
	}
	if v != nil {
		return v
	}

	for _, c := range n.Children {
		if v := w.visit(c); v != nil {
			return v
		}
	}
	return nil
}

func (w *walker) visitImport(n *Node) *Verdict {
	for _, m := range n.Modules {
		if r, ok := w.table.Lookup(RuleModule, moduleRoot(m)); ok {
			return blocked(n, r, fmt.Sprintf("import of forbidden module %q", m))
		}
	}
	return nil
}

func (w *walker) visitImportFrom(n *Node) *Verdict {
	// A relative import is checked by its dotted remainder, so "from .os"
	// is treated like "from os". A bare "from . import x" has none.
	for _, m := range n.Modules {
		if r, ok := w.table.Lookup(RuleModule, moduleRoot(m)); ok {
			return blocked(n, r, fmt.Sprintf("import from forbidden module %q", m))
		}
	}
	return nil
}

func (w *walker) visitCall(n *Node) *Verdict {
	if n.Ident == "" {
		return nil
	}
	if r, ok := w.table.Lookup(RuleCall, n.Ident); ok {
		return blocked(n, r, fmt.Sprintf("call to forbidden builtin %q", n.Ident))
	}
	return nil
}

func (w *walker) visitAttribute(n *Node) *Verdict {
	if r, ok := w.table.Lookup(RuleAttribute, n.Ident); ok {
		return blocked(n, r, fmt.Sprintf("access to forbidden attribute %q", n.Ident))
	}
	return nil
}

func (w *walker) visitName(n *Node) *Verdict {
	if r, ok := w.table.referenced(n.Ident); ok {
		return blocked(n, r, fmt.Sprintf("reference to forbidden name %q", n.Ident))
	}
	return nil
}

func blocked(n *Node, r Rule, reason string) *Verdict {
	if r.Reason != "" {
		reason = reason + ": " + r.Reason
	}
	rule := r
	return &Verdict{
		Kind:     VerdictBlocked,
		Reason:   fmt.Sprintf("%s (%s)", reason, r.Category),
		Fragment: fragment(n.Text),
		Line:     n.Line,
		Rule:     &rule,
	}
}

func moduleRoot(dotted string) string {
	root, _, _ := strings.Cut(dotted, ".")
	return strings.TrimSpace(root)
}
