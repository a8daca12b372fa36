package config

import "fmt"

// ParseError is a syntax error with its position in the input.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

// maxParseErrors stops parsing hopelessly broken input early.
const maxParseErrors = 20

// Parser builds a ConfigTree from configuration text.
type Parser struct {
	lex  *Lexer
	errs []error
}

// NewParser creates a parser for input.
func NewParser(input string) *Parser {
	return &Parser{lex: NewLexer(input)}
}

// Parse parses the whole input. On syntax errors it returns the tree
// built so far together with every error found.
func (p *Parser) Parse() (*ConfigTree, []error) {
	tree := &ConfigTree{}
	for len(p.errs) < maxParseErrors {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenEOF:
			return tree, p.errs
		case TokenRBrace:
			p.lex.Next()
			p.errorf(tok, "unexpected '}'")
			continue
		}
		if n := p.statement(); n != nil {
			tree.Children = append(tree.Children, n)
		}
	}
	return tree, p.errs
}

func (p *Parser) errorf(tok Token, format string, args ...any) {
	p.errs = append(p.errs, &ParseError{Line: tok.Line, Column: tok.Column, Msg: fmt.Sprintf(format, args...)})
}

// statement parses "words... ;" or "words... { statements }".
func (p *Parser) statement() *Node {
	first := p.lex.Peek()
	n := &Node{Line: first.Line, Column: first.Column}
	for {
		tok := p.lex.Next()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			n.Keys = append(n.Keys, tok.Value)
		case TokenLBracket:
			if !p.list(n) {
				return nil
			}
		case TokenSemicolon:
			if len(n.Keys) == 0 {
				return nil // stray ';'
			}
			n.IsLeaf = true
			return n
		case TokenLBrace:
			if len(n.Keys) == 0 {
				p.errorf(tok, "block without a name")
			}
			if !p.block(n) {
				return nil
			}
			return n
		case TokenError:
			p.errorf(tok, "%s", tok.Value)
			return nil
		case TokenEOF:
			p.errorf(tok, "unexpected end of input after %q", n.KeyPath())
			return nil
		default:
			p.errorf(tok, "unexpected %s", tok.Type)
			return nil
		}
	}
}

// list appends the words of a bracket list to n.
func (p *Parser) list(n *Node) bool {
	for {
		tok := p.lex.Next()
		switch tok.Type {
		case TokenIdentifier, TokenString:
			n.Keys = append(n.Keys, tok.Value)
		case TokenRBracket:
			return true
		default:
			p.errorf(tok, "unexpected %s in list", tok.Type)
			return false
		}
	}
}

func (p *Parser) block(n *Node) bool {
	n.Children = []*Node{}
	for len(p.errs) < maxParseErrors {
		tok := p.lex.Peek()
		switch tok.Type {
		case TokenRBrace:
			p.lex.Next()
			return true
		case TokenEOF:
			p.errorf(tok, "missing '}' for %q opened on line %d", n.KeyPath(), n.Line)
			return false
		}
		if child := p.statement(); child != nil {
			n.Children = append(n.Children, child)
		}
	}
	return false
}
