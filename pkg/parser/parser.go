// Package parser implements the Blang/J* language parser.
//
// The parser is responsible for converting a stream of tokens (from the
// lexer) into an Abstract Syntax Tree. Statements are parsed by a
// recursive-descent dispatcher, one function per statement kind;
// expressions are parsed by a set of precedence-climbing functions, one
// per precedence level, from lowest (assignment) to highest (postfix
// call/access/subscript).
//
// On a syntax error the parser records a CompileError and synchronizes:
// it discards tokens until it reaches one that can plausibly start a new
// statement, then keeps parsing. This lets one Parse call surface every
// syntax error in a source file instead of stopping at the first one.
package parser

import (
	"fmt"

	"github.com/stensalweb/jstar/pkg/ast"
	"github.com/stensalweb/jstar/pkg/lexer"
)

// CompileError is one syntax error recorded while parsing.
type CompileError struct {
	Line    int
	Column  int
	Message string
}

func (e CompileError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

// Parser holds the lexer and its two-token lookahead window.
type Parser struct {
	lex  *lexer.Lexer
	cur  lexer.Token
	peek lexer.Token

	errors []CompileError
}

// New returns a Parser ready to parse tokens from lex.
func New(lex *lexer.Lexer) *Parser {
	p := &Parser{lex: lex}
	p.advance()
	p.advance()
	return p
}

// Errors returns every CompileError recorded during parsing.
func (p *Parser) Errors() []CompileError { return p.errors }

func (p *Parser) advance() {
	p.cur = p.peek
	p.peek = p.lex.NextToken()
}

func (p *Parser) curIs(tt lexer.TokenType) bool  { return p.cur.Type == tt }
func (p *Parser) peekIs(tt lexer.TokenType) bool { return p.peek.Type == tt }

func (p *Parser) curIsAny(tts ...lexer.TokenType) bool {
	for _, tt := range tts {
		if p.cur.Type == tt {
			return true
		}
	}
	return false
}

// expect advances past the current token if it has type tt, recording an
// error and leaving the cursor unmoved otherwise.
func (p *Parser) expect(tt lexer.TokenType) bool {
	if p.curIs(tt) {
		p.advance()
		return true
	}
	p.errorf("expected %s, got %s %q", tt, p.cur.Type, p.cur.Literal)
	return false
}

func (p *Parser) errorf(format string, args ...interface{}) {
	p.errors = append(p.errors, CompileError{
		Line: p.cur.Line, Column: p.cur.Column, Message: fmt.Sprintf(format, args...),
	})
}

// synchronize discards tokens until one that can start a new statement,
// so a single syntax error does not abort the whole parse.
func (p *Parser) synchronize() {
	for !p.curIsAny(
		lexer.TokenEOF, lexer.TokenEnd, lexer.TokenIf, lexer.TokenWhile, lexer.TokenFor,
		lexer.TokenFun, lexer.TokenNative, lexer.TokenClass, lexer.TokenVar,
		lexer.TokenReturn, lexer.TokenImport, lexer.TokenTry, lexer.TokenRaise,
		lexer.TokenContinue, lexer.TokenBreak, lexer.TokenExcept, lexer.TokenEnsure,
	) {
		p.advance()
	}
}

// Parse consumes the entire token stream and returns the resulting
// Program together with every CompileError recorded along the way.
func Parse(src string) (*ast.Program, []CompileError) {
	p := New(lexer.New(src))
	return p.Parse(), p.errors
}

// Parse consumes the token stream this Parser was built with.
func (p *Parser) Parse() *ast.Program {
	var stmts []ast.Stmt
	for !p.curIs(lexer.TokenEOF) {
		if s := p.parseStatement(); s != nil {
			stmts = append(stmts, s)
		}
	}
	return ast.NewProgram(stmts)
}

// parseBlockUntil parses statements until the current token is one of
// terminators (not consumed) or EOF.
func (p *Parser) parseBlockUntil(terminators ...lexer.TokenType) []ast.Stmt {
	var stmts []ast.Stmt
	for !p.curIsAny(terminators...) && !p.curIs(lexer.TokenEOF) {
		if s := p.parseStatement(); s != nil {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func (p *Parser) parseStatement() ast.Stmt {
	switch p.cur.Type {
	case lexer.TokenIf:
		return p.parseIfStmt()
	case lexer.TokenWhile:
		return p.parseWhileStmt()
	case lexer.TokenFor:
		return p.parseForStmt()
	case lexer.TokenFun:
		return p.parseFuncDecl()
	case lexer.TokenNative:
		return p.parseNativeDecl()
	case lexer.TokenClass:
		return p.parseClassDecl()
	case lexer.TokenImport:
		return p.parseImportStmt()
	case lexer.TokenTry:
		return p.parseTryStmt()
	case lexer.TokenRaise:
		return p.parseRaiseStmt()
	case lexer.TokenReturn:
		return p.parseReturnStmt()
	case lexer.TokenContinue:
		line := p.cur.Line
		p.advance()
		return ast.NewContinueStmt(line)
	case lexer.TokenBreak:
		line := p.cur.Line
		p.advance()
		return ast.NewBreakStmt(line)
	case lexer.TokenVar:
		return p.parseVarDecl()
	case lexer.TokenSemicolon:
		// `;` may separate statements on one line; it produces no statement.
		p.advance()
		return nil
	case lexer.TokenDo:
		line := p.cur.Line
		p.advance()
		body := p.parseBlockUntil(lexer.TokenEnd)
		p.expect(lexer.TokenEnd)
		return ast.NewBlockStmt(line, body)
	default:
		return p.parseExprStmt()
	}
}

func (p *Parser) parseExprStmt() ast.Stmt {
	line := p.cur.Line
	expr := p.parseExpression()
	if expr == nil {
		p.errorf("expected statement, got %s %q", p.cur.Type, p.cur.Literal)
		p.advance()
		p.synchronize()
		return nil
	}
	return ast.NewExprStmt(line, expr)
}

// --- if / while / for ---------------------------------------------------------

func (p *Parser) parseIfStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'if'
	cond := p.parseExpression()
	p.expect(lexer.TokenDo)
	then := p.parseBlockUntil(lexer.TokenElif, lexer.TokenElse, lexer.TokenEnd)

	var els []ast.Stmt
	switch p.cur.Type {
	case lexer.TokenElif:
		els = []ast.Stmt{p.parseElif()}
		return ast.NewIfStmt(line, cond, then, els)
	case lexer.TokenElse:
		p.advance()
		els = p.parseBlockUntil(lexer.TokenEnd)
	}
	p.expect(lexer.TokenEnd)
	return ast.NewIfStmt(line, cond, then, els)
}

// parseElif parses an `elif` clause as a nested IfStmt, threading the
// outer `end` through so only one terminator closes the whole chain.
func (p *Parser) parseElif() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'elif'
	cond := p.parseExpression()
	p.expect(lexer.TokenDo)
	then := p.parseBlockUntil(lexer.TokenElif, lexer.TokenElse, lexer.TokenEnd)

	var els []ast.Stmt
	switch p.cur.Type {
	case lexer.TokenElif:
		els = []ast.Stmt{p.parseElif()}
		return ast.NewIfStmt(line, cond, then, els)
	case lexer.TokenElse:
		p.advance()
		els = p.parseBlockUntil(lexer.TokenEnd)
	}
	p.expect(lexer.TokenEnd)
	return ast.NewIfStmt(line, cond, then, els)
}

func (p *Parser) parseWhileStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'while'
	cond := p.parseExpression()
	p.expect(lexer.TokenDo)
	body := p.parseBlockUntil(lexer.TokenEnd)
	p.expect(lexer.TokenEnd)
	return ast.NewWhileStmt(line, cond, body)
}

// parseForStmt disambiguates `for [var] x in iterable do ... end` from the
// C-style `for init; cond; post do ... end`: IDENT followed by `in`, or
// `var` IDENT `in` (checked on a copy of the lexer), means foreach.
func (p *Parser) parseForStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'for'

	if p.curIs(lexer.TokenVar) && p.peekIs(lexer.TokenIdentifier) {
		probe := *p.lex
		if probe.NextToken().Type == lexer.TokenIn {
			p.advance() // 'var'
		}
	}
	if p.curIs(lexer.TokenIdentifier) && p.peekIs(lexer.TokenIn) {
		name := p.cur.Literal
		p.advance() // identifier
		p.advance() // 'in'
		iterable := p.parseExpression()
		p.expect(lexer.TokenDo)
		body := p.parseBlockUntil(lexer.TokenEnd)
		p.expect(lexer.TokenEnd)
		return ast.NewForEachStmt(line, name, iterable, body)
	}

	var init ast.Stmt
	if !p.curIs(lexer.TokenSemicolon) {
		if p.curIs(lexer.TokenVar) {
			init = p.parseVarDeclNoTerminator()
		} else {
			init = ast.NewExprStmt(p.cur.Line, p.parseExpression())
		}
	}
	p.expect(lexer.TokenSemicolon)

	var cond ast.Expr
	if !p.curIs(lexer.TokenSemicolon) {
		cond = p.parseExpression()
	}
	p.expect(lexer.TokenSemicolon)

	var post ast.Expr
	if !p.curIs(lexer.TokenDo) {
		post = p.parseExpression()
	}
	p.expect(lexer.TokenDo)
	body := p.parseBlockUntil(lexer.TokenEnd)
	p.expect(lexer.TokenEnd)
	return ast.NewForStmt(line, init, cond, post, body)
}

// --- var / fun / native / class -------------------------------------------------

func (p *Parser) parseVarDecl() ast.Stmt {
	return p.parseVarDeclNoTerminator()
}

func (p *Parser) parseVarDeclNoTerminator() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'var'
	names := []string{p.parseIdentName()}
	for p.curIs(lexer.TokenComma) {
		p.advance()
		names = append(names, p.parseIdentName())
	}
	var init ast.Expr
	if p.curIs(lexer.TokenAssign) {
		p.advance()
		init = p.parseExpression()
	}
	return ast.NewVarDecl(line, names, len(names) > 1, init)
}

func (p *Parser) parseIdentName() string {
	if !p.curIs(lexer.TokenIdentifier) {
		p.errorf("expected identifier, got %s %q", p.cur.Type, p.cur.Literal)
		return ""
	}
	name := p.cur.Literal
	p.advance()
	return name
}

// parseParamList parses `( [name [= default]]* [, ...rest] )`.
func (p *Parser) parseParamList() (params []string, defaults []ast.Expr, vararg bool) {
	p.expect(lexer.TokenLParen)
	for !p.curIs(lexer.TokenRParen) && !p.curIs(lexer.TokenEOF) {
		if p.curIs(lexer.TokenEllipsis) {
			p.advance()
			params = append(params, p.parseIdentName())
			vararg = true
			break
		}
		name := p.parseIdentName()
		params = append(params, name)
		if p.curIs(lexer.TokenAssign) {
			p.advance()
			defaults = append(defaults, p.parseExpression())
		}
		if p.curIs(lexer.TokenComma) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(lexer.TokenRParen)
	return
}

func (p *Parser) parseFuncDecl() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'fun'
	name := p.parseIdentName()
	params, defaults, vararg := p.parseParamList()
	if p.curIs(lexer.TokenDo) { // optional: `fun f() ... end` and `fun f() do ... end`
		p.advance()
	}
	body := p.parseBlockUntil(lexer.TokenEnd)
	p.expect(lexer.TokenEnd)
	return ast.NewFuncDecl(line, name, params, defaults, vararg, body)
}

func (p *Parser) parseNativeDecl() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'native'
	name := p.parseIdentName()
	params, defaults, vararg := p.parseParamList()
	return ast.NewNativeDecl(line, name, params, defaults, vararg)
}

func (p *Parser) parseClassDecl() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'class'
	name := p.parseIdentName()
	super := ""
	if p.curIs(lexer.TokenIs) || p.curIs(lexer.TokenColon) { // `class B is A` or `class B : A`
		p.advance()
		super = p.parseIdentName()
	}
	if p.curIs(lexer.TokenDo) { // optional before the method list
		p.advance()
	}
	var methods []*ast.FuncDecl
	for !p.curIsAny(lexer.TokenEnd, lexer.TokenEOF) {
		if !p.curIs(lexer.TokenFun) {
			p.errorf("expected method declaration inside class body, got %s %q", p.cur.Type, p.cur.Literal)
			p.advance()
			continue
		}
		if m, ok := p.parseFuncDecl().(*ast.FuncDecl); ok {
			methods = append(methods, m)
		}
	}
	p.expect(lexer.TokenEnd)
	return ast.NewClassDecl(line, name, super, methods)
}

// --- import / try / raise / return --------------------------------------------

func (p *Parser) parseImportStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'import'
	modules := []string{p.parseIdentName()}
	for p.curIs(lexer.TokenDot) {
		p.advance()
		modules = append(modules, p.parseIdentName())
	}
	as := ""
	var names []string
	switch p.cur.Type {
	case lexer.TokenAs:
		p.advance()
		as = p.parseIdentName()
	case lexer.TokenFor:
		p.advance()
		names = append(names, p.parseIdentName())
		for p.curIs(lexer.TokenComma) {
			p.advance()
			names = append(names, p.parseIdentName())
		}
	}
	return ast.NewImportStmt(line, modules, as, names)
}

func (p *Parser) parseTryStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'try'
	block := p.parseBlockUntil(lexer.TokenExcept, lexer.TokenEnsure, lexer.TokenEnd)

	var excepts []ast.ExceptClause
	for p.curIs(lexer.TokenExcept) {
		p.advance()
		className := p.parseIdentName()
		varName := ""
		if p.curIs(lexer.TokenAs) {
			p.advance()
			varName = p.parseIdentName()
		}
		body := p.parseBlockUntil(lexer.TokenExcept, lexer.TokenEnsure, lexer.TokenEnd)
		excepts = append(excepts, ast.ExceptClause{ClassName: className, VarName: varName, Body: body})
	}

	var ensure []ast.Stmt
	if p.curIs(lexer.TokenEnsure) {
		p.advance()
		ensure = p.parseBlockUntil(lexer.TokenEnd)
	}
	p.expect(lexer.TokenEnd)
	return ast.NewTryStmt(line, block, excepts, ensure)
}

func (p *Parser) parseRaiseStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'raise'
	return ast.NewRaiseStmt(line, p.parseExpression())
}

func (p *Parser) parseReturnStmt() ast.Stmt {
	line := p.cur.Line
	p.advance() // 'return'
	if p.curIsAny(lexer.TokenEnd, lexer.TokenElif, lexer.TokenElse, lexer.TokenExcept,
		lexer.TokenEnsure, lexer.TokenEOF) {
		return ast.NewReturnStmt(line, nil)
	}
	return ast.NewReturnStmt(line, p.parseExpression())
}

// --- expressions: precedence climbing, lowest to highest ----------------------

func (p *Parser) parseExpression() ast.Expr { return p.parseAssignment() }

var compoundAssignOps = map[lexer.TokenType]ast.Operator{
	lexer.TokenPlusEq: ast.OpPlus, lexer.TokenMinusEq: ast.OpMinus,
	lexer.TokenStarEq: ast.OpMul, lexer.TokenSlashEq: ast.OpDiv, lexer.TokenPercentEq: ast.OpMod,
}

func (p *Parser) parseAssignment() ast.Expr {
	left := p.parseTernary()
	if left == nil {
		return nil
	}
	line := p.cur.Line
	if p.curIs(lexer.TokenAssign) {
		p.advance()
		value := p.parseAssignment()
		return ast.NewAssignExpr(line, left, value)
	}
	if op, ok := compoundAssignOps[p.cur.Type]; ok {
		p.advance()
		value := p.parseAssignment()
		return ast.NewCompoundAssignExpr(line, left, op, value)
	}
	return left
}

func (p *Parser) parseTernary() ast.Expr {
	cond := p.parseOr()
	if cond == nil || !p.curIs(lexer.TokenQuestion) {
		return cond
	}
	line := p.cur.Line
	p.advance()
	then := p.parseExpression()
	p.expect(lexer.TokenColon)
	els := p.parseTernary()
	return ast.NewTernary(line, cond, then, els)
}

func (p *Parser) parseOr() ast.Expr {
	left := p.parseAnd()
	for left != nil && p.curIs(lexer.TokenOr) {
		line := p.cur.Line
		p.advance()
		right := p.parseAnd()
		left = ast.NewBinaryExpr(line, ast.OpOr, left, right)
	}
	return left
}

func (p *Parser) parseAnd() ast.Expr {
	left := p.parseEquality()
	for left != nil && p.curIs(lexer.TokenAnd) {
		line := p.cur.Line
		p.advance()
		right := p.parseEquality()
		left = ast.NewBinaryExpr(line, ast.OpAnd, left, right)
	}
	return left
}

var equalityOps = map[lexer.TokenType]ast.Operator{
	lexer.TokenEq: ast.OpEq, lexer.TokenNotEq: ast.OpNeq, lexer.TokenIs: ast.OpIs,
}

func (p *Parser) parseEquality() ast.Expr {
	left := p.parseComparison()
	for left != nil {
		op, ok := equalityOps[p.cur.Type]
		if !ok {
			break
		}
		line := p.cur.Line
		p.advance()
		right := p.parseComparison()
		left = ast.NewBinaryExpr(line, op, left, right)
	}
	return left
}

var comparisonOps = map[lexer.TokenType]ast.Operator{
	lexer.TokenLess: ast.OpLt, lexer.TokenLessEq: ast.OpLe,
	lexer.TokenGreater: ast.OpGt, lexer.TokenGreaterEq: ast.OpGe,
}

func (p *Parser) parseComparison() ast.Expr {
	left := p.parseAdditive()
	for left != nil {
		op, ok := comparisonOps[p.cur.Type]
		if !ok {
			break
		}
		line := p.cur.Line
		p.advance()
		right := p.parseAdditive()
		left = ast.NewBinaryExpr(line, op, left, right)
	}
	return left
}

var additiveOps = map[lexer.TokenType]ast.Operator{
	lexer.TokenPlus: ast.OpPlus, lexer.TokenMinus: ast.OpMinus,
}

func (p *Parser) parseAdditive() ast.Expr {
	left := p.parseMultiplicative()
	for left != nil {
		op, ok := additiveOps[p.cur.Type]
		if !ok {
			break
		}
		line := p.cur.Line
		p.advance()
		right := p.parseMultiplicative()
		left = ast.NewBinaryExpr(line, op, left, right)
	}
	return left
}

var multiplicativeOps = map[lexer.TokenType]ast.Operator{
	lexer.TokenStar: ast.OpMul, lexer.TokenSlash: ast.OpDiv, lexer.TokenPercent: ast.OpMod,
}

func (p *Parser) parseMultiplicative() ast.Expr {
	left := p.parseUnary()
	for left != nil {
		op, ok := multiplicativeOps[p.cur.Type]
		if !ok {
			break
		}
		line := p.cur.Line
		p.advance()
		right := p.parseUnary()
		left = ast.NewBinaryExpr(line, op, left, right)
	}
	return left
}

var unaryOps = map[lexer.TokenType]ast.Operator{
	lexer.TokenMinus: ast.OpMinus, lexer.TokenBang: ast.OpNot,
	lexer.TokenNot: ast.OpNot, lexer.TokenHash: ast.OpLength,
}

func (p *Parser) parseUnary() ast.Expr {
	if op, ok := unaryOps[p.cur.Type]; ok {
		line := p.cur.Line
		p.advance()
		operand := p.parseUnary()
		return ast.NewUnaryExpr(line, op, operand)
	}
	return p.parsePower()
}

// parsePower handles right-associative `^`: 2 ^ 3 ^ 2 == 2 ^ (3 ^ 2).
func (p *Parser) parsePower() ast.Expr {
	left := p.parsePostfix()
	if left == nil || !p.curIs(lexer.TokenCaret) {
		return left
	}
	line := p.cur.Line
	p.advance()
	right := p.parseUnary()
	return ast.NewExpExpr(line, left, right)
}

func (p *Parser) parsePostfix() ast.Expr {
	expr := p.parsePrimary()
	for expr != nil {
		switch p.cur.Type {
		case lexer.TokenDot:
			line := p.cur.Line
			p.advance()
			name := p.parseIdentName()
			expr = ast.NewAccessExpr(line, expr, name)
		case lexer.TokenLParen:
			line := p.cur.Line
			args := p.parseArgList()
			expr = ast.NewCallExpr(line, expr, args)
		case lexer.TokenLBracket:
			line := p.cur.Line
			p.advance()
			idx := p.parseExpression()
			p.expect(lexer.TokenRBracket)
			expr = ast.NewArrAccExpr(line, expr, idx)
		default:
			return expr
		}
	}
	return expr
}

func (p *Parser) parseArgList() []ast.Expr {
	p.expect(lexer.TokenLParen)
	var args []ast.Expr
	for !p.curIs(lexer.TokenRParen) && !p.curIs(lexer.TokenEOF) {
		args = append(args, p.parseExpression())
		if p.curIs(lexer.TokenComma) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(lexer.TokenRParen)
	return args
}

func (p *Parser) parsePrimary() ast.Expr {
	line := p.cur.Line
	switch p.cur.Type {
	case lexer.TokenNumber:
		lit := p.cur.Literal
		p.advance()
		return ast.NewNumberLit(line, parseNumberLiteral(lit))
	case lexer.TokenString:
		lit := p.cur.Literal
		p.advance()
		return ast.NewStringLit(line, lit)
	case lexer.TokenTrue:
		p.advance()
		return ast.NewBoolLit(line, true)
	case lexer.TokenFalse:
		p.advance()
		return ast.NewBoolLit(line, false)
	case lexer.TokenNull:
		p.advance()
		return ast.NewNullLit(line)
	case lexer.TokenSuper:
		p.advance()
		return ast.NewSuperLit(line)
	case lexer.TokenIdentifier:
		name := p.cur.Literal
		p.advance()
		return ast.NewVarLit(line, name)
	case lexer.TokenFun:
		return p.parseAnonFunc()
	case lexer.TokenLBracket:
		return p.parseArrLit()
	case lexer.TokenLParen:
		return p.parseParenExpr()
	default:
		p.errorf("unexpected token %s %q in expression", p.cur.Type, p.cur.Literal)
		p.advance()
		p.synchronize()
		return nil
	}
}

func (p *Parser) parseAnonFunc() ast.Expr {
	line := p.cur.Line
	p.advance() // 'fun'
	params, defaults, vararg := p.parseParamList()
	p.expect(lexer.TokenDo)
	body := p.parseBlockUntil(lexer.TokenEnd)
	p.expect(lexer.TokenEnd)
	return ast.NewAnonFunc(line, params, defaults, vararg, body)
}

func (p *Parser) parseArrLit() ast.Expr {
	line := p.cur.Line
	p.advance() // '['
	var elems []ast.Expr
	for !p.curIs(lexer.TokenRBracket) && !p.curIs(lexer.TokenEOF) {
		elems = append(elems, p.parseExpression())
		if p.curIs(lexer.TokenComma) {
			p.advance()
		} else {
			break
		}
	}
	p.expect(lexer.TokenRBracket)
	return ast.NewArrLit(line, elems)
}

// parseParenExpr parses a grouping `(expr)` or a tuple literal
// `(e1, e2, ...)`; a trailing comma after a single element also forces
// tuple semantics (one-element tuple).
func (p *Parser) parseParenExpr() ast.Expr {
	line := p.cur.Line
	p.advance() // '('
	if p.curIs(lexer.TokenRParen) {
		p.advance()
		return ast.NewTupleLit(line, nil)
	}
	first := p.parseExpression()
	if !p.curIs(lexer.TokenComma) {
		p.expect(lexer.TokenRParen)
		return first
	}
	elems := []ast.Expr{first}
	for p.curIs(lexer.TokenComma) {
		p.advance()
		if p.curIs(lexer.TokenRParen) {
			break
		}
		elems = append(elems, p.parseExpression())
	}
	p.expect(lexer.TokenRParen)
	return ast.NewTupleLit(line, elems)
}

// parseNumberLiteral converts a lexer NUMBER literal (decimal, hex, or
// float with optional exponent) to its float64 value.
func parseNumberLiteral(lit string) float64 {
	if len(lit) > 2 && lit[0] == '0' && (lit[1] == 'x' || lit[1] == 'X') {
		var n int64
		for _, c := range lit[2:] {
			n = n*16 + int64(hexVal(byte(c)))
		}
		return float64(n)
	}
	var n float64
	fmt.Sscanf(lit, "%g", &n)
	return n
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}
