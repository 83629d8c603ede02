package store

import (
	"strings"
	"unicode"
)

// Predicates accept a small SQL subset: comparisons (=, !=, <>, <, <=, >, >=),
// AND/OR with parentheses, IS NULL / IS NOT NULL, single-quoted string
// literals (embedded quotes escaped as ''), and numeric literals. Anything
// else (semicolons, comments, subqueries, an unescaped quote inside a
// string literal) is rejected before the predicate reaches SQL.

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokIs
	tokNot
	tokNull
)

type token struct {
	kind tokenKind
	text string
}

// ValidatePredicate checks a where-clause against the supported subset.
// A valid predicate is safe to interpolate into a SQL statement verbatim.
func ValidatePredicate(pred string) error {
	toks, err := lexPredicate(pred)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		return &PredicateError{Predicate: pred, Reason: "empty predicate"}
	}
	p := &predParser{pred: pred, toks: toks}
	if err := p.parseExpr(); err != nil {
		return err
	}
	if p.pos != len(p.toks) {
		return &PredicateError{Predicate: pred, Reason: "unexpected trailing tokens"}
	}
	return nil
}

func lexPredicate(pred string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(pred) {
		c := pred[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '\'':
			lit, next, err := lexString(pred, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, lit})
			i = next
		case c == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '!':
			if i+1 < len(pred) && pred[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
				continue
			}
			return nil, &PredicateError{Predicate: pred, Reason: "unexpected '!'"}
		case c == '<':
			if i+1 < len(pred) && (pred[i+1] == '=' || pred[i+1] == '>') {
				toks = append(toks, token{tokOp, pred[i : i+2]})
				i += 2
				continue
			}
			toks = append(toks, token{tokOp, "<"})
			i++
		case c == '>':
			if i+1 < len(pred) && pred[i+1] == '=' {
				toks = append(toks, token{tokOp, ">="})
				i += 2
				continue
			}
			toks = append(toks, token{tokOp, ">"})
			i++
		case c == '-' || c >= '0' && c <= '9':
			num, next, err := lexNumber(pred, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokNumber, num})
			i = next
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(pred) && isIdentPart(rune(pred[j])) {
				j++
			}
			word := pred[i:j]
			switch strings.ToUpper(word) {
			case "AND":
				toks = append(toks, token{tokAnd, word})
			case "OR":
				toks = append(toks, token{tokOr, word})
			case "IS":
				toks = append(toks, token{tokIs, word})
			case "NOT":
				toks = append(toks, token{tokNot, word})
			case "NULL":
				toks = append(toks, token{tokNull, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		case c == ';':
			return nil, &PredicateError{Predicate: pred, Reason: "semicolons are not allowed"}
		default:
			// Comment markers ("--", "/*") land here via '-' handling or the
			// unexpected-character branch, so no dedicated check is needed.
			return nil, &PredicateError{Predicate: pred, Reason: "unexpected character " + string(c)}
		}
	}
	return toks, nil
}

// lexString scans a single-quoted literal starting at pred[start] == '\''.
// Doubled quotes ('') are the only escape. A closing quote followed
// immediately by an identifier character means the caller forgot to escape.
func lexString(pred string, start int) (string, int, error) {
	i := start + 1
	var sb strings.Builder
	for i < len(pred) {
		c := pred[i]
		if c != '\'' {
			sb.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(pred) && pred[i+1] == '\'' {
			sb.WriteString("''")
			i += 2
			continue
		}
		// Closing quote. If glued to more literal text, the quote was unescaped.
		if i+1 < len(pred) && (isIdentPart(rune(pred[i+1])) || pred[i+1] == '\'') {
			return "", 0, &PredicateError{Predicate: pred, Reason: "unescaped quote in string literal (escape with '')"}
		}
		return sb.String(), i + 1, nil
	}
	return "", 0, &PredicateError{Predicate: pred, Reason: "unterminated string literal"}
}

func lexNumber(pred string, start int) (string, int, error) {
	i := start
	if pred[i] == '-' {
		i++
		if i >= len(pred) || pred[i] < '0' || pred[i] > '9' {
			return "", 0, &PredicateError{Predicate: pred, Reason: "dangling minus sign"}
		}
	}
	seenDot := false
	for i < len(pred) {
		c := pred[i]
		if c >= '0' && c <= '9' {
			i++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			i++
			continue
		}
		break
	}
	return pred[start:i], i, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// predParser is a recursive-descent parser over the lexed tokens.
//
//	expr       := andExpr (OR andExpr)*
//	andExpr    := unary (AND unary)*
//	unary      := '(' expr ')' | comparison
//	comparison := IDENT op value | IDENT IS NULL | IDENT IS NOT NULL
//	value      := STRING | NUMBER
type predParser struct {
	pred string
	toks []token
	pos  int
}

func (p *predParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *predParser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *predParser) fail(reason string) error {
	return &PredicateError{Predicate: p.pred, Reason: reason}
}

func (p *predParser) parseExpr() error {
	if err := p.parseAnd(); err != nil {
		return err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return nil
		}
		p.pos++
		if err := p.parseAnd(); err != nil {
			return err
		}
	}
}

func (p *predParser) parseAnd() error {
	if err := p.parseUnary(); err != nil {
		return err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return nil
		}
		p.pos++
		if err := p.parseUnary(); err != nil {
			return err
		}
	}
}

func (p *predParser) parseUnary() error {
	t, ok := p.peek()
	if !ok {
		return p.fail("unexpected end of predicate")
	}
	if t.kind == tokLParen {
		p.pos++
		if err := p.parseExpr(); err != nil {
			return err
		}
		t, ok = p.next()
		if !ok || t.kind != tokRParen {
			return p.fail("missing closing parenthesis")
		}
		return nil
	}
	return p.parseComparison()
}

func (p *predParser) parseComparison() error {
	t, ok := p.next()
	if !ok || t.kind != tokIdent {
		return p.fail("expected column name")
	}
	op, ok := p.next()
	if !ok {
		return p.fail("expected operator after column name")
	}
	switch op.kind {
	case tokOp:
		v, ok := p.next()
		if !ok || (v.kind != tokString && v.kind != tokNumber) {
			return p.fail("expected string or number literal after operator")
		}
		return nil
	case tokIs:
		nt, ok := p.next()
		if !ok {
			return p.fail("expected NULL or NOT NULL after IS")
		}
		if nt.kind == tokNull {
			return nil
		}
		if nt.kind == tokNot {
			nt, ok = p.next()
			if !ok || nt.kind != tokNull {
				return p.fail("expected NULL after IS NOT")
			}
			return nil
		}
		return p.fail("expected NULL or NOT NULL after IS")
	default:
		return p.fail("expected comparison operator")
	}
}
