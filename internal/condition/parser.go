package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokRegex
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokColon
	tokQuestion
	tokBang
	tokAmp
	tokPipe
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// Parse parses query-language text into a condition tree.
// Params: query such as `host = web01 AND (severity = critical OR message ~ /disk/)`.
// Returns: condition; empty query is AlwaysTrue; syntax errors are *ParseError.
func Parse(query string) (Condition, error) {
	tokens, err := lex(query)
	if err != nil {
		return nil, err
	}
	p := &parser{query: query, tokens: tokens}
	if p.peek().kind == tokEOF {
		return AlwaysTrue{}, nil
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
	return cond, nil
}

// MustParse parses query and panics on error; for static definitions and tests.
func MustParse(query string) Condition {
	cond, err := Parse(query)
	if err != nil {
		panic(err)
	}
	return cond
}

// isWordRune reports bare word characters; ':' belongs to words only outside map literals.
func isWordRune(r rune, braceDepth int) bool {
	if r == ':' {
		return braceDepth == 0
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_.-/@*+", r)
}

func lex(query string) ([]token, error) {
	var tokens []token
	runes := []rune(query)
	braceDepth := 0
	afterMatchOp := func() bool {
		if len(tokens) == 0 {
			return false
		}
		last := tokens[len(tokens)-1]
		return (last.kind == tokOp && last.text == "~") || (last.kind == tokWord && strings.EqualFold(last.text, "MATCHES"))
	}
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case r == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case r == '{':
			tokens = append(tokens, token{tokLBrace, "{", i})
			braceDepth++
			i++
		case r == '}':
			tokens = append(tokens, token{tokRBrace, "}", i})
			if braceDepth > 0 {
				braceDepth--
			}
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case r == ':' && braceDepth > 0:
			tokens = append(tokens, token{tokColon, ":", i})
			i++
		case r == '?':
			tokens = append(tokens, token{tokQuestion, "?", i})
			i++
		case r == '&':
			tokens = append(tokens, token{tokAmp, "&", i})
			i++
		case r == '|':
			tokens = append(tokens, token{tokPipe, "|", i})
			i++
		case r == '~':
			tokens = append(tokens, token{tokOp, "~", i})
			i++
		case r == '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{tokOp, "!=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokBang, "!", i})
				i++
			}
		case r == '>' || r == '<':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{tokOp, string(r) + "=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokOp, string(r), i})
				i++
			}
		case r == '=':
			tokens = append(tokens, token{tokOp, "=", i})
			i++
			if i < len(runes) && runes[i] == '=' {
				i++
			}
		case r == '"' || r == '\'':
			text, next, err := lexQuoted(query, runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokString, text, i})
			i = next
		case r == '/' && afterMatchOp():
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\\' && i+1 < len(runes) && runes[i+1] == '/' {
					b.WriteRune('/')
					i += 2
					continue
				}
				if runes[i] == '/' {
					closed = true
					i++
					break
				}
				b.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, &ParseError{Query: query, Offset: start, Msg: "unterminated regex"}
			}
			tokens = append(tokens, token{tokRegex, b.String(), start})
		case isWordRune(r, braceDepth):
			start := i
			for i < len(runes) && isWordRune(runes[i], braceDepth) {
				i++
			}
			tokens = append(tokens, token{tokWord, string(runes[start:i]), start})
		default:
			return nil, &ParseError{Query: query, Offset: i, Msg: "unexpected character " + strconv.QuoteRune(r)}
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(runes)})
	return tokens, nil
}

func lexQuoted(query string, runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var b strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 >= len(runes) {
				return "", 0, &ParseError{Query: query, Offset: i, Msg: "dangling escape"}
			}
			i++
			switch runes[i] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(runes[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteRune(runes[i])
		}
	}
	return "", 0, &ParseError{Query: query, Offset: start, Msg: "unterminated string"}
}

type parser struct {
	query  string
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &ParseError{Query: p.query, Offset: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func isKeyword(tok token, word string) bool {
	return tok.kind == tokWord && strings.EqualFold(tok.text, word)
}

func (p *parser) parseOr() (Condition, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	conditions := []Condition{first}
	for {
		tok := p.peek()
		if tok.kind != tokPipe && !isKeyword(tok, "OR") {
			break
		}
		p.next()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, next)
	}
	if len(conditions) == 1 {
		return first, nil
	}
	return Or{Conditions: conditions}, nil
}

func (p *parser) parseAnd() (Condition, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	conditions := []Condition{first}
	for {
		tok := p.peek()
		switch {
		case tok.kind == tokAmp || isKeyword(tok, "AND"):
			p.next()
		case tok.kind == tokEOF, tok.kind == tokRParen, tok.kind == tokPipe, isKeyword(tok, "OR"):
			if len(conditions) == 1 {
				return first, nil
			}
			return And{Conditions: conditions}, nil
		}
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, next)
	}
}

func (p *parser) parseNot() (Condition, error) {
	tok := p.peek()
	if tok.kind == tokBang || isKeyword(tok, "NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{Condition: inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Condition, error) {
	tok := p.peek()
	switch {
	case tok.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	case isKeyword(tok, "SEARCH"):
		p.next()
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return Search{Value: value}, nil
	case tok.kind == tokWord || tok.kind == tokString:
		return p.parseTerm()
	case tok.kind == tokLBracket || tok.kind == tokLBrace:
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return Search{Value: value}, nil
	case tok.kind == tokEOF:
		return nil, p.errorf(tok, "unexpected end of query")
	default:
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
}

func (p *parser) parseTerm() (Condition, error) {
	fieldTok := p.peek()
	opTok := p.peekAt(1)

	switch {
	case opTok.kind == tokQuestion || isKeyword(opTok, "EXISTS"):
		p.next()
		p.next()
		return Exists{Field: fieldTok.text}, nil
	case opTok.kind == tokOp:
		p.next()
		p.next()
		op := opTok.text
		if op == "~" {
			return p.parseMatches(fieldTok.text)
		}
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return comparison(Kind(op), fieldTok.text, value), nil
	case isKeyword(opTok, "MATCHES"):
		p.next()
		p.next()
		return p.parseMatches(fieldTok.text)
	case isKeyword(opTok, "CONTAINS"):
		p.next()
		p.next()
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		node, err := NewContains(fieldTok.text, value)
		if err != nil {
			return nil, p.errorf(opTok, "%s", err.Error())
		}
		return node, nil
	case isKeyword(opTok, "IN"):
		p.next()
		p.next()
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		list, ok := value.([]any)
		if !ok {
			list = []any{value}
		}
		return In{Field: fieldTok.text, Values: list}, nil
	}

	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return Search{Value: value}, nil
}

func (p *parser) parseMatches(field string) (Condition, error) {
	tok := p.peek()
	var pattern string
	switch tok.kind {
	case tokRegex:
		p.next()
		pattern = tok.text
	default:
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		s, ok := value.(string)
		if !ok {
			return nil, p.errorf(tok, "MATCHES expects a string or /regex/")
		}
		pattern = s
	}
	node, err := NewMatches(field, pattern)
	if err != nil {
		return nil, p.errorf(tok, "%s", err.Error())
	}
	return node, nil
}

func (p *parser) parseLiteral() (any, error) {
	tok := p.next()
	switch tok.kind {
	case tokString, tokRegex:
		return tok.text, nil
	case tokWord:
		return wordValue(tok.text), nil
	case tokLBracket:
		items := []any{}
		if p.peek().kind == tokRBracket {
			p.next()
			return items, nil
		}
		for {
			item, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			sep := p.next()
			if sep.kind == tokRBracket {
				return items, nil
			}
			if sep.kind != tokComma {
				return nil, p.errorf(sep, "expected ',' or ']' in array")
			}
		}
	case tokLBrace:
		out := map[string]any{}
		if p.peek().kind == tokRBrace {
			p.next()
			return out, nil
		}
		for {
			keyTok := p.next()
			if keyTok.kind != tokWord && keyTok.kind != tokString {
				return nil, p.errorf(keyTok, "expected map key")
			}
			if colon := p.next(); colon.kind != tokColon {
				return nil, p.errorf(colon, "expected ':' after map key")
			}
			value, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			out[keyTok.text] = value
			sep := p.next()
			if sep.kind == tokRBrace {
				return out, nil
			}
			if sep.kind != tokComma {
				return nil, p.errorf(sep, "expected ',' or '}' in map")
			}
		}
	case tokEOF:
		return nil, p.errorf(tok, "expected value, got end of query")
	default:
		return nil, p.errorf(tok, "expected value, got %q", tok.text)
	}
}

func wordValue(word string) any {
	switch strings.ToLower(word) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(word, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(word, 64); err == nil && strings.IndexFunc(word, unicode.IsLetter) < 0 {
		return f
	}
	return word
}
