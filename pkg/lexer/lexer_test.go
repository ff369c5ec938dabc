package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenTypes(toks []Token) []TokenType {
	out := make([]TokenType, len(toks))
	for i, t := range toks {
		out[i] = t.Type
	}
	return out
}

func TestKeywordsAndIdentifiers(t *testing.T) {
	l := New("if elif else while for in fun native class import as try except ensure raise return continue break var and or not true false null super do end is foo")
	toks, err := l.Tokenize()
	require.NoError(t, err)
	want := []TokenType{
		TokenIf, TokenElif, TokenElse, TokenWhile, TokenFor, TokenIn, TokenFun, TokenNative,
		TokenClass, TokenImport, TokenAs, TokenTry, TokenExcept, TokenEnsure, TokenRaise,
		TokenReturn, TokenContinue, TokenBreak, TokenVar, TokenAnd, TokenOr, TokenNot,
		TokenTrue, TokenFalse, TokenNull, TokenSuper, TokenDo, TokenEnd, TokenIs,
		TokenIdentifier, TokenEOF,
	}
	assert.Equal(t, want, tokenTypes(toks))
}

func TestOperators(t *testing.T) {
	l := New("+ - * / % ^ == != < <= > >= = += -= *= /= %= ! ? : . , ; ( ) [ ] #")
	toks, err := l.Tokenize()
	require.NoError(t, err)
	want := []TokenType{
		TokenPlus, TokenMinus, TokenStar, TokenSlash, TokenPercent, TokenCaret,
		TokenEq, TokenNotEq, TokenLess, TokenLessEq, TokenGreater, TokenGreaterEq,
		TokenAssign, TokenPlusEq, TokenMinusEq, TokenStarEq, TokenSlashEq, TokenPercentEq,
		TokenBang, TokenQuestion, TokenColon, TokenDot, TokenComma, TokenSemicolon,
		TokenLParen, TokenRParen, TokenLBracket, TokenRBracket, TokenHash, TokenEOF,
	}
	assert.Equal(t, want, tokenTypes(toks))
}

func TestNumbers(t *testing.T) {
	l := New("42 3.14 0x1F 2e10 2.5e-3")
	toks, err := l.Tokenize()
	require.NoError(t, err)
	require.Len(t, toks, 6)
	lits := []string{"42", "3.14", "0x1F", "2e10", "2.5e-3"}
	for i, lit := range lits {
		assert.Equal(t, TokenNumber, toks[i].Type)
		assert.Equal(t, lit, toks[i].Literal)
	}
}

func TestStringEscapes(t *testing.T) {
	l := New(`"a\nb\t\"c\"\x41"`)
	tok := l.NextToken()
	require.Equal(t, TokenString, tok.Type)
	assert.Equal(t, "a\nb\t\"c\"A", tok.Literal)
}

func TestUnterminatedStringIsErr(t *testing.T) {
	l := New(`"abc`)
	tok := l.NextToken()
	assert.Equal(t, TokenErr, tok.Type)
}

func TestLineCommentsSkipped(t *testing.T) {
	l := New("1 // comment\n2")
	toks, err := l.Tokenize()
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, "1", toks[0].Literal)
	assert.Equal(t, "2", toks[1].Literal)
	assert.Equal(t, 2, toks[1].Line)
}

func TestBlockCommentsSkipped(t *testing.T) {
	l := New("1 /* comment\nspanning lines */ 2")
	toks, err := l.Tokenize()
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, "2", toks[1].Literal)
	assert.Equal(t, 2, toks[1].Line)
}

func TestIdentifierWithUnderscoreAndDigits(t *testing.T) {
	l := New("_foo bar_2 Baz3")
	toks, err := l.Tokenize()
	require.NoError(t, err)
	require.Len(t, toks, 4)
	for i, lit := range []string{"_foo", "bar_2", "Baz3"} {
		assert.Equal(t, TokenIdentifier, toks[i].Type)
		assert.Equal(t, lit, toks[i].Literal)
	}
}
