package devdesc

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/participle/v2"
)

// Parser represents a device description parser
type Parser struct {
	parser *participle.Parser[File]
}

// NewParser creates a new device description parser instance
func NewParser() (*Parser, error) {
	parser, err := participle.Build[File](
		participle.Lexer(DescLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.Unquote("String"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}

	return &Parser{parser: parser}, nil
}

// Parse parses a device description from a reader and validates it.
func (p *Parser) Parse(filename string, r io.Reader) (*Device, error) {
	f, err := p.parser.Parse(filename, r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return checked(f)
}

// ParseString parses a device description from a string and validates it.
func (p *Parser) ParseString(input string) (*Device, error) {
	f, err := p.parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	return checked(f)
}

// ParseFile parses a device description from a file path
func (p *Parser) ParseFile(filename string) (*Device, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(filename, file)
}

func checked(f *File) (*Device, error) {
	if err := f.Device.Validate(); err != nil {
		return nil, err
	}
	return f.Device, nil
}
