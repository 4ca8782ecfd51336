package query

import (
	"fmt"
	"strings"
)

// TokenType is the kind of a lexed token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError

	TokenIdent  // field or function name, bare word
	TokenString // "double" or 'single' quoted
	TokenNumber // 42, 3.5, -2
	TokenDate   // 2024-01-15, -7d, today

	TokenEq          // = or :
	TokenNeq         // !=
	TokenLt          // <
	TokenGt          // >
	TokenLte         // <=
	TokenGte         // >=
	TokenContains    // ~
	TokenNotContains // !~

	TokenAnd // AND, &&
	TokenOr  // OR, ||
	TokenNot // NOT, !, leading -
	TokenIn  // IN

	TokenLParen
	TokenRParen
	TokenComma
	TokenDot

	TokenAtMe  // @me
	TokenEmpty // EMPTY
	TokenNull  // NULL

	TokenSort // sort:a,-b; Value holds "a,-b"
)

var tokenNames = [...]string{
	TokenEOF:         "EOF",
	TokenError:       "ERROR",
	TokenIdent:       "IDENT",
	TokenString:      "STRING",
	TokenNumber:      "NUMBER",
	TokenDate:        "DATE",
	TokenEq:          "=",
	TokenNeq:         "!=",
	TokenLt:          "<",
	TokenGt:          ">",
	TokenLte:         "<=",
	TokenGte:         ">=",
	TokenContains:    "~",
	TokenNotContains: "!~",
	TokenAnd:         "AND",
	TokenOr:          "OR",
	TokenNot:         "NOT",
	TokenIn:          "IN",
	TokenLParen:      "(",
	TokenRParen:      ")",
	TokenComma:       ",",
	TokenDot:         ".",
	TokenAtMe:        "@me",
	TokenEmpty:       "EMPTY",
	TokenNull:        "NULL",
	TokenSort:        "SORT",
}

func (t TokenType) String() string {
	if int(t) >= 0 && int(t) < len(tokenNames) && tokenNames[t] != "" {
		return tokenNames[t]
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

// Token is one lexeme. Pos is the byte offset of its first character.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

func (t Token) String() string {
	if t.Value != "" && t.Type != TokenEOF {
		return fmt.Sprintf("%s(%q)", t.Type, t.Value)
	}
	return t.Type.String()
}

// Operators, longest first so "!=" wins over "!".
var operators = []struct {
	text string
	typ  TokenType
}{
	{"!=", TokenNeq},
	{"!~", TokenNotContains},
	{"<=", TokenLte},
	{">=", TokenGte},
	{"&&", TokenAnd},
	{"||", TokenOr},
	{"=", TokenEq},
	{":", TokenEq},
	{"<", TokenLt},
	{">", TokenGt},
	{"~", TokenContains},
	{"!", TokenNot},
	{"(", TokenLParen},
	{")", TokenRParen},
	{",", TokenComma},
	{".", TokenDot},
}

var keywords = map[string]TokenType{
	"AND":   TokenAnd,
	"OR":    TokenOr,
	"NOT":   TokenNot,
	"IN":    TokenIn,
	"EMPTY": TokenEmpty,
	"NULL":  TokenNull,
}

var dateKeywords = map[string]bool{
	"today":      true,
	"yesterday":  true,
	"this_week":  true,
	"last_week":  true,
	"this_month": true,
	"last_month": true,
}

// Lexer splits a filter string into tokens.
type Lexer struct {
	src string
	off int
}

// NewLexer returns a lexer over input.
func NewLexer(input string) *Lexer {
	return &Lexer{src: input}
}

// Tokenize lexes the whole input. The returned slice always ends with EOF
// unless an error token stopped it, in which case the error is returned too.
func (l *Lexer) Tokenize() ([]Token, error) {
	var toks []Token
	for {
		tok := l.next()
		toks = append(toks, tok)
		switch tok.Type {
		case TokenEOF:
			return toks, nil
		case TokenError:
			return toks, fmt.Errorf("lex error at position %d: %s", tok.Pos+1, tok.Value)
		}
	}
}

func (l *Lexer) peekByte(n int) byte {
	if l.off+n < len(l.src) {
		return l.src[l.off+n]
	}
	return 0
}

func (l *Lexer) next() Token {
	for l.off < len(l.src) && isSpace(l.src[l.off]) {
		l.off++
	}
	if l.off >= len(l.src) {
		return Token{Type: TokenEOF, Pos: l.off}
	}

	// Shells often need \! or \< escaped; the backslash is noise here.
	if l.src[l.off] == '\\' && strings.IndexByte("!<>=~", l.peekByte(1)) >= 0 && l.peekByte(1) != 0 {
		l.off++
	}

	start := l.off
	c := l.src[start]
	switch {
	case c == '"' || c == '\'':
		return l.quoted(c)
	case c == '@':
		return l.special()
	case c == '-' && isDigit(l.peekByte(1)):
		return l.signed()
	case c == '-':
		l.off++
		return Token{Type: TokenNot, Value: "-", Pos: start}
	case c == '+':
		return l.signed()
	case isDigit(c):
		return l.numeric()
	case isIdentStart(c):
		return l.word()
	}

	for _, op := range operators {
		if strings.HasPrefix(l.src[start:], op.text) {
			l.off += len(op.text)
			return Token{Type: op.typ, Value: op.text, Pos: start}
		}
	}
	l.off++
	return Token{Type: TokenError, Value: fmt.Sprintf("unexpected character %q", c), Pos: start}
}

func (l *Lexer) quoted(q byte) Token {
	start := l.off
	l.off++
	var sb strings.Builder
	for l.off < len(l.src) {
		c := l.src[l.off]
		l.off++
		switch {
		case c == q:
			return Token{Type: TokenString, Value: sb.String(), Pos: start}
		case c == '\\' && l.off < len(l.src):
			e := l.src[l.off]
			l.off++
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return Token{Type: TokenError, Value: "unterminated string", Pos: start}
}

func (l *Lexer) special() Token {
	start := l.off
	l.off++
	name := l.takeWhile(isIdentChar)
	if name == "me" {
		return Token{Type: TokenAtMe, Value: "@me", Pos: start}
	}
	return Token{Type: TokenError, Value: "unknown special value @" + name, Pos: start}
}

// signed lexes -7d, +2w and negative numbers.
func (l *Lexer) signed() Token {
	start := l.off
	sign := l.src[l.off]
	l.off++
	digits := l.takeWhile(isDigit)
	if u := l.peekByte(0); digits != "" && isDateUnit(u) {
		l.off++
		return Token{Type: TokenDate, Value: string(sign) + digits + string(u), Pos: start}
	}
	if sign == '+' || digits == "" {
		return Token{Type: TokenError, Value: fmt.Sprintf("invalid relative date %q (want a d, w, m or h suffix)", l.src[start:l.off]), Pos: start}
	}
	if l.peekByte(0) == '.' && isDigit(l.peekByte(1)) {
		l.off++
		digits += "." + l.takeWhile(isDigit)
	}
	return Token{Type: TokenNumber, Value: "-" + digits, Pos: start}
}

// numeric lexes integers, decimals, ISO dates and bare offsets like 7d.
func (l *Lexer) numeric() Token {
	start := l.off
	text := l.takeWhile(func(c byte) bool { return isDigit(c) || c == '-' })
	if len(text) == 10 && text[4] == '-' && text[7] == '-' {
		return Token{Type: TokenDate, Value: text, Pos: start}
	}
	if l.peekByte(0) == '.' && isDigit(l.peekByte(1)) {
		l.off++
		text += "." + l.takeWhile(isDigit)
		return Token{Type: TokenNumber, Value: text, Pos: start}
	}
	if isDateUnit(l.peekByte(0)) {
		l.off++
		return Token{Type: TokenDate, Value: l.src[start:l.off], Pos: start}
	}
	return Token{Type: TokenNumber, Value: text, Pos: start}
}

func (l *Lexer) word() Token {
	start := l.off
	w := l.takeWhile(isIdentChar)
	if strings.EqualFold(w, "sort") && l.peekByte(0) == ':' {
		l.off++
		return l.sortList(start)
	}
	if typ, ok := keywords[strings.ToUpper(w)]; ok {
		return Token{Type: typ, Value: w, Pos: start}
	}
	if lw := strings.ToLower(w); dateKeywords[lw] {
		return Token{Type: TokenDate, Value: lw, Pos: start}
	}
	return Token{Type: TokenIdent, Value: w, Pos: start}
}

func (l *Lexer) sortList(start int) Token {
	var keys []string
	for {
		key := ""
		if l.peekByte(0) == '-' {
			l.off++
			key = "-"
		}
		if !isIdentStart(l.peekByte(0)) {
			return Token{Type: TokenError, Value: "sort: requires a field name", Pos: start}
		}
		key += l.takeWhile(func(c byte) bool { return isIdentChar(c) || c == '.' })
		keys = append(keys, key)
		if l.peekByte(0) != ',' {
			break
		}
		l.off++
	}
	return Token{Type: TokenSort, Value: strings.Join(keys, ","), Pos: start}
}

func (l *Lexer) takeWhile(ok func(byte) bool) string {
	start := l.off
	for l.off < len(l.src) && ok(l.src[l.off]) {
		l.off++
	}
	return l.src[start:l.off]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isDateUnit(c byte) bool { return c == 'd' || c == 'w' || c == 'm' || c == 'h' }

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '-'
}
