// Package query implements the filter language used by views: lexer, parser,
// AST, an in-memory evaluator over record attributes, sort comparators, and
// CEL "where" predicates.
package query

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxQueryDepth bounds parenthesis nesting.
const MaxQueryDepth = 50

// ParseError reports where a filter stopped making sense.
type ParseError struct {
	Message  string
	Token    Token
	Expected string
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse error at position %d: %s", e.Token.Pos+1, e.Message)
	if e.Expected != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Token)
	}
	return msg
}

// Parser turns a token stream into a Query. Use Parse.
type Parser struct {
	toks  []Token
	i     int
	depth int
}

// Parse parses a filter string. An empty or sort-only filter yields a Query
// with a nil Root.
func Parse(input string) (*Query, error) {
	input = strings.TrimSpace(input)
	q := &Query{Raw: input}
	if input == "" {
		return q, nil
	}

	toks, err := NewLexer(input).Tokenize()
	if err != nil {
		return nil, err
	}

	p := &Parser{toks: make([]Token, 0, len(toks))}
	for _, t := range toks {
		if t.Type == TokenSort {
			q.Sort = append(q.Sort, ParseSort(t.Value)...)
			continue
		}
		p.toks = append(p.toks, t)
	}
	if p.at(TokenEOF) {
		return q, nil
	}

	if q.Root, err = p.expr(); err != nil {
		return nil, err
	}
	if !p.at(TokenEOF) {
		return nil, p.errorf("unexpected token after expression", "")
	}
	return q, nil
}

// expr := and { OR and }
func (p *Parser) expr() (Node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept(TokenOr) {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

// and := unary { [AND] unary }; juxtaposition means AND.
func (p *Parser) and() (Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		explicit := p.accept(TokenAnd)
		if !explicit && !p.startsTerm() {
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right}
	}
}

func (p *Parser) unary() (Node, error) {
	if p.accept(TokenNot) {
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: OpNot, Expr: inner}, nil
	}
	return p.term()
}

func (p *Parser) term() (Node, error) {
	switch tok := p.peek(); tok.Type {
	case TokenLParen:
		p.i++
		if p.depth++; p.depth > MaxQueryDepth {
			return nil, p.errorf(fmt.Sprintf("query exceeds maximum nesting depth of %d", MaxQueryDepth), "")
		}
		inner, err := p.expr()
		p.depth--
		if err != nil {
			return nil, err
		}
		if !p.accept(TokenRParen) {
			return nil, p.errorf("missing closing parenthesis", ")")
		}
		return inner, nil
	case TokenString:
		p.i++
		return &TextSearch{Text: tok.Value}, nil
	case TokenIdent:
		p.i++
		if p.at(TokenLParen) {
			return p.call(tok.Value)
		}
		field, err := p.path(tok.Value)
		if err != nil {
			return nil, err
		}
		return p.comparison(field)
	}
	return nil, p.errorf("unexpected token", "field, function or quoted text")
}

// path extends name with any .segment suffixes.
func (p *Parser) path(name string) (string, error) {
	for p.accept(TokenDot) {
		if !p.at(TokenIdent) {
			return "", p.errorf("expected field name after '.'", "identifier")
		}
		name += "." + p.take().Value
	}
	return name, nil
}

var comparisonOps = map[TokenType]string{
	TokenEq:          OpEq,
	TokenNeq:         OpNeq,
	TokenLt:          OpLt,
	TokenGt:          OpGt,
	TokenLte:         OpLte,
	TokenGte:         OpGte,
	TokenContains:    OpContains,
	TokenNotContains: OpNotContains,
}

func (p *Parser) comparison(field string) (Node, error) {
	if p.at(TokenIn) || (p.at(TokenNot) && p.lookahead(1).Type == TokenIn) {
		op := OpIn
		if p.accept(TokenNot) {
			op = OpNotIn
		}
		p.i++ // IN
		if !p.at(TokenLParen) {
			return nil, p.errorf("IN requires a parenthesized list", "(")
		}
		list, err := p.list()
		if err != nil {
			return nil, err
		}
		return &FieldExpr{Field: field, Operator: op, Value: list}, nil
	}

	op, ok := comparisonOps[p.peek().Type]
	if !ok {
		// A bare word searches text.
		return &TextSearch{Text: field}, nil
	}
	p.i++
	val, err := p.value()
	if err != nil {
		return nil, err
	}
	return &FieldExpr{Field: field, Operator: op, Value: val}, nil
}

func (p *Parser) call(name string) (Node, error) {
	fn := &FunctionCall{Name: name}
	p.i++ // (
	if p.accept(TokenRParen) {
		return fn, nil
	}
	for {
		arg, err := p.arg()
		if err != nil {
			return nil, err
		}
		fn.Args = append(fn.Args, arg)
		if !p.accept(TokenComma) {
			break
		}
	}
	if !p.accept(TokenRParen) {
		return nil, p.errorf("missing closing parenthesis in function call", ")")
	}
	return fn, nil
}

// arg is a value, except that identifiers stay raw (dotted) strings.
func (p *Parser) arg() (any, error) {
	if tok := p.peek(); tok.Type == TokenIdent {
		p.i++
		path := tok.Value
		for p.at(TokenDot) && p.lookahead(1).Type == TokenIdent {
			p.i++
			path += "." + p.take().Value
		}
		return path, nil
	}
	if p.at(TokenLParen) {
		return nil, p.errorf("invalid function argument", "identifier, string, number or special value")
	}
	return p.value()
}

func (p *Parser) value() (any, error) {
	tok := p.peek()
	switch tok.Type {
	case TokenIdent:
		p.i++
		switch strings.ToLower(tok.Value) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return tok.Value, nil
	case TokenString:
		p.i++
		return tok.Value, nil
	case TokenNumber:
		p.i++
		return number(tok)
	case TokenDate:
		p.i++
		return &DateValue{Raw: tok.Value, Relative: isRelativeDate(tok.Value)}, nil
	case TokenAtMe:
		p.i++
		return SpecialMe, nil
	case TokenEmpty:
		p.i++
		return SpecialEmpty, nil
	case TokenNull:
		p.i++
		return SpecialNull, nil
	case TokenLParen:
		return p.list()
	}
	return nil, p.errorf("expected value", "identifier, string, number, date or special value")
}

func (p *Parser) list() (*ListValue, error) {
	l := &ListValue{}
	p.i++ // (
	if p.accept(TokenRParen) {
		return l, nil
	}
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		l.Values = append(l.Values, v)
		if !p.accept(TokenComma) {
			break
		}
	}
	if !p.accept(TokenRParen) {
		return nil, p.errorf("missing closing parenthesis in list", ")")
	}
	return l, nil
}

func number(tok Token) (any, error) {
	if strings.ContainsRune(tok.Value, '.') {
		if f, err := strconv.ParseFloat(tok.Value, 64); err == nil {
			return f, nil
		}
	} else if n, err := strconv.ParseInt(tok.Value, 10, 64); err == nil {
		return n, nil
	}
	return nil, &ParseError{Message: "invalid number " + tok.Value, Token: tok}
}

func (p *Parser) lookahead(n int) Token {
	if p.i+n < len(p.toks) {
		return p.toks[p.i+n]
	}
	return Token{Type: TokenEOF}
}

func (p *Parser) peek() Token { return p.lookahead(0) }

func (p *Parser) at(typ TokenType) bool { return p.peek().Type == typ }

func (p *Parser) take() Token {
	tok := p.peek()
	if tok.Type != TokenEOF {
		p.i++
	}
	return tok
}

func (p *Parser) accept(typ TokenType) bool {
	if p.at(typ) {
		p.i++
		return true
	}
	return false
}

// startsTerm reports whether the next token can begin an implicitly ANDed term.
func (p *Parser) startsTerm() bool {
	switch p.peek().Type {
	case TokenIdent, TokenString, TokenLParen, TokenNot:
		return true
	}
	return false
}

func (p *Parser) errorf(msg, expected string) error {
	return &ParseError{Message: msg, Token: p.peek(), Expected: expected}
}

func isRelativeDate(s string) bool {
	if dateKeywords[s] {
		return true
	}
	if len(s) < 2 {
		return false
	}
	return s[0] == '-' || s[0] == '+' || isDateUnit(s[len(s)-1])
}
