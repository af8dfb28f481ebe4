package asm

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the assembler lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	// Literals
	TokenInteger    // 42, -7
	TokenFloat      // 3.14, 1e3
	TokenString     // "hello"
	TokenIdentifier // ADD, func, file

	// Operands
	TokenCV   // $0, $x
	TokenTmp  // ~0
	TokenJump // @3, @loop

	// Delimiters
	TokenComma  // ,
	TokenEquals // =
	TokenColon  // :
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenNewline:    "NEWLINE",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",
	TokenCV:         "CV",
	TokenTmp:        "TMP",
	TokenJump:       "JUMP",
	TokenComma:      ",",
	TokenEquals:     "=",
	TokenColon:      ":",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

// Position is a location in the source.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token is a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     Position
}

func (t Token) String() string {
	switch t.Type {
	case TokenNewline:
		return "newline"
	case TokenEOF:
		return "end of input"
	}
	return fmt.Sprintf("%s %q", t.Type, t.Literal)
}
