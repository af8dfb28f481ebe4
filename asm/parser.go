// Package asm reads the textual bytecode format used by the stackjit command
// and tests.
//
// A source file holds an optional program line followed by functions, classes
// and at most one main block:
//
//	program file="demo.src"
//
//	func add2 locals=1 temps=1
//	    RECV      $0, 0
//	    ADD       ~0, $0, 2
//	    RETURN    ~0
//	end
//
//	class Counter
//	    func bump
//	        ...
//	    end
//	end
//
//	main
//	    INIT_FCALL "add2"
//	    ...
//	end
//
// Operands follow the opcode's layout (result first, then op1, op2 and data).
// $n and $name are compiled variables, ~n temporaries, @n or @label jump
// targets and _ an unused slot. Literals are integers, floats, double-quoted
// strings, true, false and null.
package asm

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/chazu/stackjit/vm"
)

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Parser assembles source text into a program.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    []string

	file string // program file, inherited by units without file=
	prog *vm.Program
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
		prog:  &vm.Program{},
	}
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// errorf records a parse error.
func (p *Parser) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf("line %d: %s", p.curToken.Pos.Line, fmt.Sprintf(format, args...))
	p.errors = append(p.errors, msg)
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() []string {
	return p.errors
}

// skipLine discards tokens up to and including the next newline.
func (p *Parser) skipLine() {
	for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.nextToken()
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// endLine expects the end of the current line.
func (p *Parser) endLine() {
	if !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.errorf("unexpected %s", p.curToken)
	}
	p.skipLine()
}

func (p *Parser) skipBlankLines() {
	for p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// ParseProgram parses the whole input. Check Errors afterwards.
func (p *Parser) ParseProgram() *vm.Program {
	first := true
	for {
		p.skipBlankLines()
		if p.curTokenIs(TokenEOF) {
			break
		}
		if p.curTokenIs(TokenError) {
			p.errorf("%s", p.curToken.Literal)
			p.skipLine()
			continue
		}
		if !p.curTokenIs(TokenIdentifier) {
			p.errorf("expected declaration, got %s", p.curToken)
			p.skipLine()
			continue
		}

		switch p.curToken.Literal {
		case "program":
			if !first {
				p.errorf("program line must come first")
			}
			p.parseProgramLine()
		case "func":
			if u := p.parseFunc(""); u != nil {
				p.prog.Functions = append(p.prog.Functions, u)
			}
		case "class":
			p.parseClass()
		case "main":
			if p.prog.Main != nil {
				p.errorf("duplicate main block")
			}
			if u := p.parseMain(); u != nil && p.prog.Main == nil {
				p.prog.Main = u
			}
		default:
			p.errorf("unknown declaration %q", p.curToken.Literal)
			p.skipLine()
		}
		first = false
	}
	return p.prog
}

func (p *Parser) parseProgramLine() {
	p.nextToken() // consume 'program'
	attrs := p.parseAttributes()
	p.file = attrs.file
	p.endLine()
}

// attributes are the key=value pairs on a declaration line.
type attributes struct {
	file   string
	locals int
	temps  int
}

func (p *Parser) parseAttributes() attributes {
	var a attributes
	for p.curTokenIs(TokenIdentifier) && p.peekTokenIs(TokenEquals) {
		key := p.curToken.Literal
		p.nextToken()
		p.nextToken()
		switch key {
		case "file":
			if !p.curTokenIs(TokenString) {
				p.errorf("file= expects a string, got %s", p.curToken)
				return a
			}
			a.file = p.curToken.Literal
		case "locals", "temps":
			if !p.curTokenIs(TokenInteger) {
				p.errorf("%s= expects an integer, got %s", key, p.curToken)
				return a
			}
			n, err := strconv.Atoi(p.curToken.Literal)
			if err != nil || n < 0 {
				p.errorf("invalid %s count %s", key, p.curToken.Literal)
				return a
			}
			if key == "locals" {
				a.locals = n
			} else {
				a.temps = n
			}
		default:
			p.errorf("unknown attribute %q", key)
		}
		p.nextToken()
	}
	return a
}

// parseFunc parses "func NAME attrs ... end".
func (p *Parser) parseFunc(scope string) *vm.Unit {
	p.nextToken() // consume 'func'
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected function name, got %s", p.curToken)
		p.skipBody()
		return nil
	}
	name := p.curToken.Literal
	p.nextToken()
	attrs := p.parseAttributes()
	file := attrs.file
	if file == "" {
		file = p.file
	}
	p.endLine()
	return p.parseBody(vm.NewUnit(file, scope, name), attrs)
}

// parseMain parses "main attrs ... end". Main code without a file is
// command-line code.
func (p *Parser) parseMain() *vm.Unit {
	p.nextToken() // consume 'main'
	attrs := p.parseAttributes()
	file := attrs.file
	if file == "" {
		file = p.file
	}
	if file == "" {
		file = vm.CommandLineFile
	}
	p.endLine()
	return p.parseBody(vm.NewUnit(file, "", ""), attrs)
}

// parseClass parses "class NAME attrs" followed by methods and "end".
func (p *Parser) parseClass() {
	p.nextToken() // consume 'class'
	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected class name, got %s", p.curToken)
		p.skipBody()
		return
	}
	class := vm.NewClass(p.curToken.Literal)
	p.nextToken()
	attrs := p.parseAttributes()
	p.endLine()

	saved := p.file
	if attrs.file != "" {
		p.file = attrs.file
	}
	defer func() { p.file = saved }()

	for {
		p.skipBlankLines()
		switch {
		case p.curTokenIs(TokenEOF):
			p.errorf("class %s: missing end", class.Name)
			return
		case p.curTokenIs(TokenIdentifier) && p.curToken.Literal == "end":
			p.nextToken()
			p.endLine()
			p.prog.Classes = append(p.prog.Classes, class)
			return
		case p.curTokenIs(TokenIdentifier) && p.curToken.Literal == "func":
			if u := p.parseFunc(class.Name); u != nil {
				if _, dup := class.Method(u.Name); dup {
					p.errorf("duplicate method %s::%s", class.Name, u.Name)
				}
				class.AddMethod(u)
			}
		default:
			p.errorf("expected func or end in class %s, got %s", class.Name, p.curToken)
			p.skipLine()
		}
	}
}

// skipBody discards lines up to and including the next "end".
func (p *Parser) skipBody() {
	for !p.curTokenIs(TokenEOF) {
		if p.curTokenIs(TokenIdentifier) && p.curToken.Literal == "end" {
			p.skipLine()
			return
		}
		p.nextToken()
	}
}

// ---------------------------------------------------------------------------
// Unit bodies
// ---------------------------------------------------------------------------

// unitState tracks operand usage while a body is assembled.
type unitState struct {
	unit    *vm.Unit
	locals  map[string]int
	labels  map[string]int
	fixups  map[int]labelRef // instruction index -> unresolved label
	maxCV   int
	maxTemp int
}

type labelRef struct {
	name string
	line int
}

func (p *Parser) parseBody(u *vm.Unit, attrs attributes) *vm.Unit {
	st := &unitState{
		unit:    u,
		locals:  make(map[string]int),
		labels:  make(map[string]int),
		fixups:  make(map[int]labelRef),
		maxCV:   -1,
		maxTemp: -1,
	}
	errs := len(p.errors)

	for {
		p.skipBlankLines()
		if p.curTokenIs(TokenEOF) {
			p.errorf("%s: missing end", u.QualifiedName())
			return nil
		}
		if p.curTokenIs(TokenIdentifier) && p.curToken.Literal == "end" {
			p.nextToken()
			p.endLine()
			break
		}
		p.parseLine(st)
	}

	for at, ref := range st.fixups {
		target, ok := st.labels[ref.name]
		if !ok {
			p.errors = append(p.errors, fmt.Sprintf("line %d: undefined label %q", ref.line, ref.name))
			continue
		}
		*u.Ops[at].JumpOperand() = vm.JumpTo(target)
	}

	u.NumLocals = max(attrs.locals, st.maxCV+1)
	u.NumTemps = max(attrs.temps, st.maxTemp+1)
	if n := len(u.Ops); n == 0 || u.Ops[n-1].Opcode != vm.OpRETURN {
		u.Ops = append(u.Ops, vm.Instruction{Opcode: vm.OpRETURN, Op1: vm.Const(nil)})
	}
	if len(p.errors) > errs {
		return nil
	}
	if err := u.Finalize(); err != nil {
		p.errorf("%v", err)
		return nil
	}
	return u
}

// parseLine parses "[label:] [OPCODE operands]".
func (p *Parser) parseLine(st *unitState) {
	if p.curTokenIs(TokenIdentifier) && p.peekTokenIs(TokenColon) {
		name := p.curToken.Literal
		if _, dup := st.labels[name]; dup {
			p.errorf("duplicate label %q", name)
		}
		st.labels[name] = len(st.unit.Ops)
		p.nextToken()
		p.nextToken()
		if p.curTokenIs(TokenNewline) || p.curTokenIs(TokenEOF) {
			p.skipLine()
			return
		}
	}

	if !p.curTokenIs(TokenIdentifier) {
		p.errorf("expected opcode, got %s", p.curToken)
		p.skipLine()
		return
	}
	op, ok := vm.OpcodeByName(p.curToken.Literal)
	if !ok {
		p.errorf("unknown opcode %q", p.curToken.Literal)
		p.skipLine()
		return
	}
	ins := vm.Instruction{Opcode: op, Line: p.curToken.Pos.Line}
	p.nextToken()

	layout := op.Info().Layout
	jump := ins.JumpOperand()
	for i, slot := range layout {
		if i > 0 && !p.expectComma(op) {
			return
		}
		target := slotOperand(&ins, slot)
		line := p.curToken.Pos.Line
		operand, label, ok := p.parseOperand(st, target == jump)
		if !ok {
			p.skipLine()
			return
		}
		if label != "" {
			st.fixups[len(st.unit.Ops)] = labelRef{name: label, line: line}
		}
		*target = operand
	}
	if p.curTokenIs(TokenComma) {
		p.errorf("%s takes %d operands", op, len(layout))
		p.skipLine()
		return
	}
	st.unit.Ops = append(st.unit.Ops, ins)
	p.endLine()
}

func (p *Parser) expectComma(op vm.Opcode) bool {
	if p.curTokenIs(TokenComma) {
		p.nextToken()
		return true
	}
	p.errorf("%s takes %d operands, got %s", op, len(op.Info().Layout), p.curToken)
	p.skipLine()
	return false
}

func slotOperand(ins *vm.Instruction, slot rune) *vm.Operand {
	switch slot {
	case 'r':
		return &ins.Result
	case '1':
		return &ins.Op1
	case '2':
		return &ins.Op2
	default:
		return &ins.Data
	}
}

// parseOperand parses one operand. A jump to a label returns the label name
// and an unused operand, resolved once the body is complete.
func (p *Parser) parseOperand(st *unitState, isJump bool) (vm.Operand, string, bool) {
	tok := p.curToken
	if isJump != (tok.Type == TokenJump) {
		if isJump {
			p.errorf("expected jump target, got %s", tok)
		} else {
			p.errorf("unexpected jump target %s", tok)
		}
		return vm.Unused, "", false
	}
	p.nextToken()

	switch tok.Type {
	case TokenJump:
		if n, err := strconv.Atoi(tok.Literal); err == nil {
			return vm.JumpTo(n), "", true
		}
		return vm.Unused, tok.Literal, true

	case TokenCV:
		n, err := strconv.Atoi(tok.Literal)
		if err != nil {
			var ok bool
			if n, ok = st.locals[tok.Literal]; !ok {
				n = len(st.locals)
				st.locals[tok.Literal] = n
				st.unit.LocalNames = append(st.unit.LocalNames, tok.Literal)
				if tok.Literal == "this" {
					st.unit.ThisVar = n
				}
			}
		}
		st.maxCV = max(st.maxCV, n)
		return vm.CV(n), "", true

	case TokenTmp:
		n, err := strconv.Atoi(tok.Literal)
		if err != nil {
			p.errorf("bad temporary ~%s", tok.Literal)
			return vm.Unused, "", false
		}
		st.maxTemp = max(st.maxTemp, n)
		return vm.Tmp(n), "", true

	case TokenInteger:
		n, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			p.errorf("bad integer %s", tok.Literal)
			return vm.Unused, "", false
		}
		return vm.Const(n), "", true

	case TokenFloat:
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			p.errorf("bad float %s", tok.Literal)
			return vm.Unused, "", false
		}
		return vm.Const(f), "", true

	case TokenString:
		return vm.Const(tok.Literal), "", true

	case TokenIdentifier:
		switch tok.Literal {
		case "_":
			return vm.Unused, "", true
		case "true":
			return vm.Const(true), "", true
		case "false":
			return vm.Const(false), "", true
		case "null":
			return vm.Const(nil), "", true
		}
		p.errorf("unexpected identifier %q in operand", tok.Literal)
		return vm.Unused, "", false

	case TokenError:
		p.errorf("%s", tok.Literal)
		return vm.Unused, "", false
	}
	p.errorf("expected operand, got %s", tok)
	return vm.Unused, "", false
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Parse assembles src. The returned error joins every parse error found.
func Parse(src string) (*vm.Program, error) {
	p := NewParser(src)
	prog := p.ParseProgram()
	if len(p.errors) > 0 {
		errs := make([]error, len(p.errors))
		for i, msg := range p.errors {
			errs[i] = errors.New(msg)
		}
		return nil, errors.Join(errs...)
	}
	return prog, nil
}

// ParseFile assembles the file at path. Errors are prefixed with the path.
func ParseFile(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}
