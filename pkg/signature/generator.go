// Package signature turns file-hash indicators into YARA rule text and
// writes the rules file consumed by the static scanner.
package signature

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/download-sentinel/pkg/indicator"
)

var (
	// ErrNotFileHash is returned when a hash rule is requested for a
	// non-hash indicator.
	ErrNotFileHash = errors.New("indicator is not a file hash")
	// ErrUnsupportedHashLength is returned for digests that are not MD5,
	// SHA-1 or SHA-256 length.
	ErrUnsupportedHashLength = errors.New("unsupported hash length")
	// ErrInvalidHash is returned when a hash value contains non-hex characters.
	ErrInvalidHash = errors.New("hash value is not hexadecimal")
	// ErrInvalidRule is returned when a generated rule fails validation.
	ErrInvalidRule = errors.New("generated rule failed syntax check")
)

// RulesFileName is the file the feed pipeline writes its hash rules to.
const RulesFileName = "otx_hashes.yara"

const defaultDescription = "File hash from OTX feed"

// HashAlgorithm names the YARA hash module function for a digest length.
func HashAlgorithm(value string) (string, error) {
	switch len(value) {
	case 64:
		return "sha256", nil
	case 40:
		return "sha1", nil
	case 32:
		return "md5", nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnsupportedHashLength, len(value))
}

// Generator builds rule text. The zero value is not usable; use New.
type Generator struct {
	log *logrus.Logger
	now func() time.Time
}

// New creates a Generator.
func New(log *logrus.Logger) *Generator {
	return &Generator{log: log, now: time.Now}
}

// GenerateHashRule renders a single rule matching the whole-file digest in ind.
func (g *Generator) GenerateHashRule(ind indicator.Indicator) (string, error) {
	if ind.Type != indicator.TypeFileHash {
		return "", ErrNotFileHash
	}
	value := strings.ToLower(strings.TrimSpace(ind.Value))
	algo, err := HashAlgorithm(value)
	if err != nil {
		return "", err
	}
	if !isHex(value) {
		return "", ErrInvalidHash
	}

	source := ind.Source
	if source == "" {
		source = "ioc"
	}
	prefix := value
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	description := ind.Description
	if description == "" {
		description = defaultDescription
	}

	var b strings.Builder
	fmt.Fprintf(&b, "rule %s\n{\n", RuleName(source+"_hash_"+prefix))
	b.WriteString("    meta:\n")
	fmt.Fprintf(&b, "        description = \"%s\"\n", Escape(description))
	fmt.Fprintf(&b, "        source = \"%s\"\n", Escape(source))
	fmt.Fprintf(&b, "        date = \"%d\"\n", g.now().Unix())
	if len(ind.Tags) > 0 {
		escaped := make([]string, len(ind.Tags))
		for i, tag := range ind.Tags {
			escaped[i] = Escape(tag)
		}
		fmt.Fprintf(&b, "        tags = \"%s\"\n", strings.Join(escaped, ", "))
	}
	b.WriteString("\n    condition:\n")
	fmt.Fprintf(&b, "        hash.%s(0, filesize) == \"%s\"\n", algo, value)
	b.WriteString("}\n")

	rule := b.String()
	if !ValidateRuleSyntax(rule) {
		return "", ErrInvalidRule
	}
	return rule, nil
}

// GeneratePatternRule renders a rule that fires when any of the given
// literal strings occurs in the file.
func (g *Generator) GeneratePatternRule(name string, patterns []string, description string) (string, error) {
	if len(patterns) == 0 {
		return "", errors.New("pattern rule needs at least one pattern")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "rule %s\n{\n", RuleName(name))
	b.WriteString("    meta:\n")
	fmt.Fprintf(&b, "        description = \"%s\"\n", Escape(description))
	fmt.Fprintf(&b, "        date = \"%d\"\n", g.now().Unix())
	b.WriteString("\n    strings:\n")
	for i, p := range patterns {
		fmt.Fprintf(&b, "        $s%d = \"%s\"\n", i, Escape(p))
	}
	b.WriteString("\n    condition:\n        any of ($s*)\n}\n")

	rule := b.String()
	if !ValidateRuleSyntax(rule) {
		return "", ErrInvalidRule
	}
	return rule, nil
}

// GenerateRulesFile writes one rule per usable file-hash indicator to path
// and returns how many rules were written. Indicators that cannot be
// rendered are logged and skipped. The file is replaced atomically.
func (g *Generator) GenerateRulesFile(inds []indicator.Indicator, path string) (int, error) {
	var b strings.Builder
	b.WriteString("// Auto-generated YARA rules from IOCs\n")
	fmt.Fprintf(&b, "// Generated at: %d\n\n", g.now().Unix())
	b.WriteString("import \"hash\"\n\n")

	count := 0
	for _, ind := range inds {
		if ind.Type != indicator.TypeFileHash {
			continue
		}
		rule, err := g.GenerateHashRule(ind)
		if err != nil {
			g.log.WithError(err).WithField("indicator", ind.Value).Warn("Skipping indicator during rule generation")
			continue
		}
		b.WriteString(rule)
		b.WriteString("\n")
		count++
	}

	if err := writeFileAtomic(path, []byte(b.String()), 0644); err != nil {
		return 0, err
	}
	g.log.WithFields(logrus.Fields{
		"path":  path,
		"rules": count,
	}).Info("Wrote rules file")
	return count, nil
}

// ValidateRuleSyntax is a structural sanity check: a rule keyword, a
// condition section and balanced braces outside string literals. It is
// not a grammar parse.
func ValidateRuleSyntax(rule string) bool {
	if !strings.Contains(rule, "rule ") || !strings.Contains(rule, "condition:") {
		return false
	}
	depth := 0
	inString, escaped := false, false
	for _, r := range rule {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inString
}

// RuleName replaces every character outside [A-Za-z0-9_] with '_' and
// makes sure the name does not start with a digit.
func RuleName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !isIdentChar(c) {
			b[i] = '_'
		}
	}
	if len(b) == 0 || (b[0] >= '0' && b[0] <= '9') {
		return "r_" + string(b)
	}
	return string(b)
}

// Escape makes s safe to embed in a double-quoted rule string.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r', '\t':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create rules dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*")
	if err != nil {
		return fmt.Errorf("failed to create temp rules file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync rules file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close rules file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod rules file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install rules file: %w", err)
	}
	return nil
}
