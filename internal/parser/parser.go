// Package parser implements Mee's single-token-lookahead recursive-descent
// parser, producing an *ast.Program from a token stream.
package parser

import (
	"fmt"

	"github.com/meelang/mee/internal/ast"
	"github.com/meelang/mee/internal/lexer"
	"github.com/meelang/mee/internal/token"
)

// Error is a parse error: at most one is ever produced, carrying the byte
// offset of the offending token.
type Error struct {
	Pos     int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Message)
}

type parser struct {
	toks []token.Token
	idx  int
}

// Parse lexes and parses src, returning the Program or the first parse
// error encountered. Recovery is not attempted.
func Parse(src []byte) (prog *ast.Program, err error) {
	toks := lexer.Tokenize(src)
	p := &parser{toks: toks}
	defer func() {
		if r := recover(); r != nil {
			pe, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			err = pe
		}
	}()
	return p.parseProgram(), nil
}

func (p *parser) cur() token.Token  { return p.toks[p.idx] }
func (p *parser) atEnd() bool       { return p.cur().Kind == token.EOF }
func (p *parser) advance() token.Token {
	t := p.cur()
	if !p.atEnd() {
		p.idx++
	}
	return t
}

func (p *parser) check(k token.Kind) bool {
	return !p.atEnd() && p.cur().Kind == k
}

func (p *parser) match(k token.Kind) bool {
	if p.check(k) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) fail(pos int, msg string) {
	panic(&Error{Pos: pos, Message: msg})
}

func (p *parser) expect(k token.Kind) token.Token {
	if !p.check(k) {
		p.fail(p.cur().Pos, fmt.Sprintf("expected %s", k))
	}
	return p.advance()
}

func (p *parser) expectIdent() string {
	if !p.check(token.IDENT) {
		p.fail(p.cur().Pos, "expected identifier")
	}
	return p.advance().Lexeme
}

func (p *parser) parseProgram() *ast.Program {
	prog := &ast.Program{}
	for !p.atEnd() {
		switch p.cur().Kind {
		case token.STRUCT:
			prog.Structs = append(prog.Structs, p.parseStructDecl())
		case token.FN:
			prog.Functions = append(prog.Functions, p.parseFunction())
		default:
			p.fail(p.cur().Pos, "unexpected token")
		}
	}
	return prog
}

func (p *parser) parseStructDecl() *ast.StructDecl {
	p.expect(token.STRUCT)
	name := p.expectIdent()
	p.expect(token.LBRACE)
	sd := &ast.StructDecl{Name: name}
	for !p.check(token.RBRACE) {
		fname := p.expectIdent()
		p.expect(token.COLON)
		fty := p.parseType()
		sd.Fields = append(sd.Fields, ast.Param{Name: fname, Ty: fty})
		if p.match(token.COMMA) {
			continue
		}
		break
	}
	p.expect(token.RBRACE)
	return sd
}

func (p *parser) parseFunction() *ast.Function {
	p.expect(token.FN)
	name := p.expectIdent()
	p.expect(token.LPAREN)
	var params []ast.Param
	if !p.check(token.RPAREN) {
		for {
			pname := p.expectIdent()
			p.expect(token.COLON)
			pty := p.parseType()
			params = append(params, ast.Param{Name: pname, Ty: pty})
			if p.match(token.COMMA) {
				continue
			}
			break
		}
	}
	p.expect(token.RPAREN)
	p.expect(token.ARROW)
	ret := p.parseType()
	body := p.parseBlock()
	return &ast.Function{Name: name, Params: params, Ret: ret, Body: body}
}

func (p *parser) parseType() ast.Type {
	if !p.check(token.IDENT) {
		p.fail(p.cur().Pos, fmt.Sprintf("unknown type %s", p.cur().Lexeme))
	}
	tok := p.advance()
	switch tok.Lexeme {
	case "i32":
		return ast.I32
	case "char":
		return ast.Char
	case "bool":
		return ast.Bool
	case "str":
		return ast.Str
	case "void":
		return ast.Void
	default:
		return ast.StructT(tok.Lexeme)
	}
}

func (p *parser) parseBlock() *ast.Block {
	p.expect(token.LBRACE)
	b := &ast.Block{}
	for !p.check(token.RBRACE) {
		b.Stmts = append(b.Stmts, p.parseStmt())
	}
	p.expect(token.RBRACE)
	return b
}

func (p *parser) parseStmt() ast.Stmt {
	switch p.cur().Kind {
	case token.LET:
		return p.parseLet()
	case token.RETURN:
		return p.parseReturn()
	case token.IF:
		return p.parseIf()
	case token.WHILE:
		return p.parseWhile()
	default:
		return p.parseAssignOrExpr()
	}
}

func (p *parser) parseLet() ast.Stmt {
	p.expect(token.LET)
	name := p.expectIdent()
	p.expect(token.COLON)
	ty := p.parseType()
	p.expect(token.EQ)
	expr := p.parseExpr()
	p.expect(token.SEMICOLON)
	return &ast.LetStmt{Name: name, Ty: ty, Expr: expr}
}

func (p *parser) parseReturn() ast.Stmt {
	p.expect(token.RETURN)
	expr := p.parseExpr()
	p.expect(token.SEMICOLON)
	return &ast.ReturnStmt{Expr: expr}
}

func (p *parser) parseIf() ast.Stmt {
	p.expect(token.IF)
	p.expect(token.LPAREN)
	cond := p.parseExpr()
	p.expect(token.RPAREN)
	then := p.parseBlock()
	var els *ast.Block
	if p.match(token.ELSE) {
		els = p.parseBlock()
	}
	return &ast.IfStmt{Cond: cond, Then: then, Else: els}
}

func (p *parser) parseWhile() ast.Stmt {
	p.expect(token.WHILE)
	p.expect(token.LPAREN)
	cond := p.parseExpr()
	p.expect(token.RPAREN)
	body := p.parseBlock()
	return &ast.WhileStmt{Cond: cond, Body: body}
}

// parseAssignOrExpr implements:
//
//	assign_or_expr := IDENT ('=' expr ';' | '(' args? ')' ';' | postfix ('=' expr ';' | ';'))
func (p *parser) parseAssignOrExpr() ast.Stmt {
	if !p.check(token.IDENT) {
		expr := p.parseExpr()
		p.expect(token.SEMICOLON)
		return &ast.ExprStmt{Expr: expr}
	}

	name := p.advance().Lexeme

	if p.match(token.EQ) {
		expr := p.parseExpr()
		p.expect(token.SEMICOLON)
		return &ast.AssignStmt{Name: name, Expr: expr}
	}

	if p.check(token.LPAREN) {
		call := p.parseCallTail(name)
		expr := p.parsePostfix(call)
		if p.match(token.EQ) {
			p.fail(p.cur().Pos, "invalid assignment target")
		}
		expr = p.parseBinaryRest(expr)
		p.expect(token.SEMICOLON)
		return &ast.ExprStmt{Expr: expr}
	}

	// Either `name.field...` assignment or a bare expression statement
	// starting with an identifier.
	if p.check(token.DOT) {
		// Build the full postfix-dot chain, then peel off the last field
		// as the assignment target if '=' follows.
		chain := p.parsePostfix(&ast.Ident{Name: name})
		last := chain.(*ast.FieldAccessExpr)
		if p.match(token.EQ) {
			expr := p.parseExpr()
			p.expect(token.SEMICOLON)
			return &ast.FieldAssignStmt{Base: last.Base, Field: last.Field, Expr: expr}
		}
		expr := p.parseBinaryRest(chain)
		p.expect(token.SEMICOLON)
		return &ast.ExprStmt{Expr: expr}
	}

	expr := ast.Expr(&ast.Ident{Name: name})
	expr = p.parseBinaryRest(expr)
	p.expect(token.SEMICOLON)
	return &ast.ExprStmt{Expr: expr}
}

// parseBinaryRest continues parsing a binary expression given an
// already-parsed left-hand primary/postfix node, climbing back up through
// the precedence chain (term -> add -> cmp -> and -> or).
func (p *parser) parseBinaryRest(left ast.Expr) ast.Expr {
	node := p.parseTermRest(left)
	node = p.parseAddRest(node)
	node = p.parseCmpRest(node)
	node = p.parseAndRest(node)
	return p.parseOrRest(node)
}

// --- expr := or ---

func (p *parser) parseExpr() ast.Expr {
	return p.parseOr()
}

func (p *parser) parseOr() ast.Expr {
	node := p.parseAnd()
	return p.parseOrRest(node)
}

func (p *parser) parseOrRest(node ast.Expr) ast.Expr {
	for p.match(token.OROR) {
		rhs := p.parseAnd()
		node = &ast.BinaryExpr{Op: ast.Or, Left: node, Right: rhs}
	}
	return node
}

func (p *parser) parseAnd() ast.Expr {
	node := p.parseCmp()
	return p.parseAndRest(node)
}

func (p *parser) parseAndRest(node ast.Expr) ast.Expr {
	for p.match(token.ANDAND) {
		rhs := p.parseCmp()
		node = &ast.BinaryExpr{Op: ast.And, Left: node, Right: rhs}
	}
	return node
}

func (p *parser) parseCmp() ast.Expr {
	node := p.parseAdd()
	return p.parseCmpRest(node)
}

var cmpOps = map[token.Kind]ast.BinOp{
	token.LT:    ast.Lt,
	token.GT:    ast.Gt,
	token.LTEQ:  ast.LtEq,
	token.GTEQ:  ast.GtEq,
	token.EQEQ:  ast.Eq,
	token.NOTEQ: ast.NotEq,
}

func (p *parser) parseCmpRest(node ast.Expr) ast.Expr {
	for {
		op, ok := cmpOps[p.cur().Kind]
		if !ok {
			return node
		}
		p.advance()
		rhs := p.parseAdd()
		node = &ast.BinaryExpr{Op: op, Left: node, Right: rhs}
	}
}

func (p *parser) parseAdd() ast.Expr {
	node := p.parseTerm()
	return p.parseAddRest(node)
}

func (p *parser) parseAddRest(node ast.Expr) ast.Expr {
	for {
		var op ast.BinOp
		switch p.cur().Kind {
		case token.PLUS:
			op = ast.Add
		case token.MINUS:
			op = ast.Sub
		default:
			return node
		}
		p.advance()
		rhs := p.parseTerm()
		node = &ast.BinaryExpr{Op: op, Left: node, Right: rhs}
	}
}

func (p *parser) parseTerm() ast.Expr {
	node := p.parseUnary()
	node = p.parsePostfix(node)
	return p.parseTermRest(node)
}

func (p *parser) parseTermRest(node ast.Expr) ast.Expr {
	for {
		var op ast.BinOp
		switch p.cur().Kind {
		case token.STAR:
			op = ast.Mul
		case token.SLASH:
			op = ast.Div
		default:
			return node
		}
		p.advance()
		rhs := p.parseUnary()
		rhs = p.parsePostfix(rhs)
		node = &ast.BinaryExpr{Op: op, Left: node, Right: rhs}
	}
}

func (p *parser) parseUnary() ast.Expr {
	if p.match(token.BANG) {
		e := p.parseUnary()
		return &ast.UnaryExpr{Op: ast.Not, Expr: e}
	}
	return p.parsePrimary()
}

// parsePostfix implements the `.` IDENT field-access postfix chain.
func (p *parser) parsePostfix(node ast.Expr) ast.Expr {
	for p.match(token.DOT) {
		field := p.expectIdent()
		node = &ast.FieldAccessExpr{Base: node, Field: field}
	}
	return node
}

func (p *parser) parsePrimary() ast.Expr {
	tok := p.cur()
	switch tok.Kind {
	case token.INT:
		p.advance()
		return &ast.IntLit{Value: tok.Int}
	case token.CHAR:
		p.advance()
		return &ast.CharLit{Value: tok.Char}
	case token.STRING:
		p.advance()
		return &ast.StringLit{Value: tok.Str}
	case token.TRUE:
		p.advance()
		return &ast.BoolLit{Value: true}
	case token.FALSE:
		p.advance()
		return &ast.BoolLit{Value: false}
	case token.LPAREN:
		p.advance()
		e := p.parseExpr()
		p.expect(token.RPAREN)
		return e
	case token.IDENT:
		name := p.advance().Lexeme
		if p.check(token.LPAREN) {
			return p.parseCallTail(name)
		}
		if p.check(token.LBRACE) {
			return p.parseStructInitTail(name)
		}
		return &ast.Ident{Name: name}
	default:
		p.fail(tok.Pos, "unexpected token")
		return nil
	}
}

func (p *parser) parseCallTail(callee string) ast.Expr {
	p.expect(token.LPAREN)
	var args []ast.Expr
	if !p.check(token.RPAREN) {
		for {
			args = append(args, p.parseExpr())
			if p.match(token.COMMA) {
				continue
			}
			break
		}
	}
	p.expect(token.RPAREN)
	return &ast.CallExpr{Callee: callee, Args: args}
}

func (p *parser) parseStructInitTail(name string) ast.Expr {
	p.expect(token.LBRACE)
	var fields []ast.StructInitField
	if !p.check(token.RBRACE) {
		for {
			fname := p.expectIdent()
			p.expect(token.COLON)
			val := p.parseExpr()
			fields = append(fields, ast.StructInitField{Name: fname, Expr: val})
			if p.match(token.COMMA) {
				continue
			}
			break
		}
	}
	p.expect(token.RBRACE)
	return &ast.StructInitExpr{Name: name, Fields: fields}
}
