package wat

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// node is an atom, a string literal or a parenthesized list.
type node struct {
	atom  string
	str   []byte
	isStr bool
	list  []*node
	line  int
}

func (n *node) isList() bool { return n.list != nil }

// head returns the keyword of a list, or "".
func (n *node) head() string {
	if !n.isList() || len(n.list) == 0 || n.list[0].isList() || n.list[0].isStr {
		return ""
	}
	return n.list[0].atom
}

func (n *node) isID() bool {
	return !n.isList() && !n.isStr && strings.HasPrefix(n.atom, "$")
}

func (n *node) String() string {
	switch {
	case n.isStr:
		return strconv.Quote(string(n.str))
	case n.isList():
		return "(" + n.head() + " ...)"
	}
	return n.atom
}

type syntaxError struct {
	line int
	msg  string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.line, e.msg)
}

func errAt(n *node, format string, args ...any) error {
	return &syntaxError{line: n.line, msg: fmt.Sprintf(format, args...)}
}

type lexer struct {
	src  string
	pos  int
	line int
}

// parse reads one top-level S-expression list.
func parse(src string) (*node, error) {
	lx := &lexer{src: src, line: 1}
	if err := lx.skip(); err != nil {
		return nil, err
	}
	if lx.pos >= len(lx.src) || lx.src[lx.pos] != '(' {
		return nil, &syntaxError{line: lx.line, msg: "expected 'module'"}
	}
	root, err := lx.list()
	if err != nil {
		return nil, err
	}
	if err := lx.skip(); err != nil {
		return nil, err
	}
	if lx.pos < len(lx.src) {
		return nil, &syntaxError{line: lx.line, msg: "unexpected text after module"}
	}
	return root, nil
}

func (lx *lexer) list() (*node, error) {
	n := &node{line: lx.line, list: []*node{}}
	lx.pos++
	for {
		if err := lx.skip(); err != nil {
			return nil, err
		}
		if lx.pos >= len(lx.src) {
			return nil, &syntaxError{line: lx.line, msg: "unexpected end of input"}
		}
		switch lx.src[lx.pos] {
		case ')':
			lx.pos++
			return n, nil
		case '(':
			child, err := lx.list()
			if err != nil {
				return nil, err
			}
			n.list = append(n.list, child)
		case '"':
			child, err := lx.string()
			if err != nil {
				return nil, err
			}
			n.list = append(n.list, child)
		default:
			start := lx.pos
			for lx.pos < len(lx.src) && !isDelim(lx.src[lx.pos]) {
				lx.pos++
			}
			n.list = append(n.list, &node{atom: lx.src[start:lx.pos], line: lx.line})
		}
	}
}

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '(', ')', '"', ';':
		return true
	}
	return false
}

// skip consumes white space, line comments and nested block comments.
func (lx *lexer) skip() error {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\n':
			lx.line++
			lx.pos++
		case c == ' ' || c == '\t' || c == '\r':
			lx.pos++
		case strings.HasPrefix(lx.src[lx.pos:], ";;"):
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case strings.HasPrefix(lx.src[lx.pos:], "(;"):
			depth := 0
			for {
				if lx.pos >= len(lx.src) {
					return &syntaxError{line: lx.line, msg: "unterminated block comment"}
				}
				switch {
				case strings.HasPrefix(lx.src[lx.pos:], "(;"):
					depth++
					lx.pos += 2
				case strings.HasPrefix(lx.src[lx.pos:], ";)"):
					depth--
					lx.pos += 2
				default:
					if lx.src[lx.pos] == '\n' {
						lx.line++
					}
					lx.pos++
				}
				if depth == 0 {
					break
				}
			}
		default:
			return nil
		}
	}
	return nil
}

func (lx *lexer) string() (*node, error) {
	n := &node{isStr: true, line: lx.line, str: []byte{}}
	lx.pos++
	for {
		if lx.pos >= len(lx.src) || lx.src[lx.pos] == '\n' {
			return nil, &syntaxError{line: n.line, msg: "unterminated string"}
		}
		c := lx.src[lx.pos]
		lx.pos++
		if c == '"' {
			return n, nil
		}
		if c != '\\' {
			n.str = append(n.str, c)
			continue
		}
		if lx.pos >= len(lx.src) {
			return nil, &syntaxError{line: n.line, msg: "unterminated string"}
		}
		e := lx.src[lx.pos]
		lx.pos++
		switch e {
		case 'n':
			n.str = append(n.str, '\n')
		case 't':
			n.str = append(n.str, '\t')
		case 'r':
			n.str = append(n.str, '\r')
		case '"', '\'', '\\':
			n.str = append(n.str, e)
		case 'u':
			end := strings.IndexByte(lx.src[lx.pos:], '}')
			if lx.pos >= len(lx.src) || lx.src[lx.pos] != '{' || end < 0 {
				return nil, &syntaxError{line: n.line, msg: "malformed \\u escape"}
			}
			r, err := strconv.ParseUint(strings.ReplaceAll(lx.src[lx.pos+1:lx.pos+end], "_", ""), 16, 32)
			if err != nil || !utf8.ValidRune(rune(r)) {
				return nil, &syntaxError{line: n.line, msg: "malformed \\u escape"}
			}
			n.str = utf8.AppendRune(n.str, rune(r))
			lx.pos += end + 1
		default:
			if lx.pos >= len(lx.src) {
				return nil, &syntaxError{line: n.line, msg: "unterminated string"}
			}
			b, err := strconv.ParseUint(lx.src[lx.pos-1:lx.pos+1], 16, 8)
			if err != nil {
				return nil, &syntaxError{line: n.line, msg: fmt.Sprintf("unknown escape \\%c", e)}
			}
			n.str = append(n.str, byte(b))
			lx.pos++
		}
	}
}
